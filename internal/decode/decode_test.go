package decode

import (
	"math"
	"reflect"
	"testing"

	"github.com/VickoT/FamilyDash/internal/snapshot"
)

func TestObjectDecoders(t *testing.T) {
	tests := []struct {
		name    string
		dec     Decoder
		payload string
		want    snapshot.Fields
	}{
		{"washer json", Washer(), `{"status":"Wash","time_to_end_min":73}`,
			snapshot.Fields{"status": "Wash", "time_to_end_min": int64(73)}},
		{"washer alias", Washer(), `{"state":"Rinse","remaining_min":"12"}`,
			snapshot.Fields{"status": "Rinse", "time_to_end_min": int64(12)}},
		{"washer bare number", Washer(), `42`,
			snapshot.Fields{"time_to_end_min": int64(42)}},
		{"washer quoted number", Washer(), `"42"`,
			snapshot.Fields{"time_to_end_min": int64(42)}},
		{"washer truncates float", Washer(), ` 42.7 `,
			snapshot.Fields{"time_to_end_min": int64(42)}},
		{"washer bare text", Washer(), `abc`, snapshot.Fields{}},
		{"washer non-numeric minutes", Washer(), `{"status":"Wash","time_to_end_min":"soon"}`,
			snapshot.Fields{"status": "Wash"}},
		{"washer null minutes", Washer(), `{"status":"Wash","time_to_end_min":null,"time_left":5}`,
			snapshot.Fields{"status": "Wash", "time_to_end_min": int64(5)}},
		{"washer empty", Washer(), ``, snapshot.Fields{}},
		{"washer broken json", Washer(), `{"status":`, snapshot.Fields{}},

		{"dryer json", Dryer(), `{"status":"drying","time_left":145}`,
			snapshot.Fields{"status": "drying", "time_left": int64(145)}},
		{"dryer bare", Dryer(), "90\n", snapshot.Fields{"time_left": int64(90)}},

		{"car", Car(), `{"soc":"81","range_km":312.4,"is_charging":"on","plugged":true}`,
			snapshot.Fields{"battery": int64(81), "range": int64(312), "charging": true, "plugged_in": true}},

		{"climate tC", Climate(), `{"tC":21.0}`, snapshot.Fields{"tC": 21.0}},
		{"climate temperature", Climate(), `{"temperature":21.0}`, snapshot.Fields{"tC": 21.0}},
		{"climate legacy t", Climate(), `{"t":"21.0","rh":40}`, snapshot.Fields{"tC": 21.0, "rh": 40.0}},
		{"climate tC wins", Climate(), `{"temperature":19,"tC":21}`, snapshot.Fields{"tC": 21.0}},
		{"climate NaN", Climate(), `{"tC":"NaN","rh":"  "}`, snapshot.Fields{}},

		{"air quality", AirQuality(), `{"tvoc":120,"iaq":2,"eco2":650}`,
			snapshot.Fields{"tvoc_ppb": 120.0, "aqi": int64(2), "eco2_ppm": int64(650)}},

		{"power json", Power(), `{"apower":1234.5}`, snapshot.Fields{"power": 1234.5}},
		{"power bare", Power(), `1834`, snapshot.Fields{"power": 1834.0}},
		{"power bare text", Power(), `n/a`, snapshot.Fields{}},

		{"weather nested", Weather(),
			`{"generated_at":"2025-09-01T07:00:00+02:00","current":{"temperature":14.2,"weather_code":3,"icon":"☁️"},"today":{"t_max":17,"uv_max":4.1,"precip_sum_mm":0.4,"precip_prob_max":35}}`,
			snapshot.Fields{
				"temperature": 14.2, "weather_code": int64(3), "icon": "☁️",
				"t_max": 17.0, "uv_max": 4.1, "precip_sum_mm": 0.4, "precip_prob_max": int64(35),
				"generated_at": "2025-09-01T07:00:00+02:00",
			}},
		{"weather flat", Weather(), `{"temperature_2m":9.5}`, snapshot.Fields{"temperature": 9.5}},

		{"energy price", EnergyPrice(),
			`{"current":{"ore":84.1,"level":"NORMAL","starts_at":"2025-09-01T07:00:00+02:00"},"today":[{"starts_at":"a","ore":80}],"tomorrow":[]}`,
			snapshot.Fields{
				"current": 84.1, "level": "NORMAL", "starts_at": "2025-09-01T07:00:00+02:00",
				"today":    []any{map[string]any{"starts_at": "a", "ore": int64(80)}},
				"tomorrow": []any{},
			}},
		{"energy price bare", EnergyPrice(), `1.23`, snapshot.Fields{"current": 1.23}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.dec.Decode("any/topic", []byte(tt.payload))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode(%q) = %#v, want %#v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestHeartbeat(t *testing.T) {
	d := Heartbeat()
	got := d.Decode("home/heartbeat", []byte(" 2025-09-01T07:00:00Z \n"))
	if got["last"] != "2025-09-01T07:00:00Z" {
		t.Errorf("last = %v", got["last"])
	}
	if got := d.Decode("home/heartbeat", []byte("   ")); len(got) != 0 {
		t.Errorf("empty heartbeat = %v, want no-op", got)
	}
}

func TestSensor(t *testing.T) {
	d := Sensor()
	tests := []struct {
		name    string
		topic   string
		payload string
		want    snapshot.Fields
	}{
		{"online true", "shelly-htg3/online", "true", snapshot.Fields{"online": true}},
		{"online false", "shelly-htg3/online", "false", snapshot.Fields{"online": false}},
		{"online garbage", "shelly-htg3/online", "maybe", snapshot.Fields{}},
		{"combined json", "shelly-htg3/status", `{"tC":20,"rh":55}`, snapshot.Fields{"tC": 20.0, "rh": 55.0}},
		{"alias json", "shelly-htg3/status", `{"temperature":"20.5","hum":51}`, snapshot.Fields{"tC": 20.5, "rh": 51.0}},
		{"status component", "shelly-htg3/status/temperature:0", `{"id":0,"tC":19.8,"tF":67.6}`,
			snapshot.Fields{"tC": 19.8}},
		{"rpc notify", "shelly-htg3/events/rpc",
			`{"src":"shellyhtg3","method":"NotifyFullStatus","params":{"temperature:0":{"id":0,"tC":22.1},"humidity:0":{"id":0,"rh":48.2}}}`,
			snapshot.Fields{"tC": 22.1, "rh": 48.2}},
		{"bare temperature", "shelly-htg3/sensor/temperature", "20", snapshot.Fields{"tC": 20.0}},
		{"bare humidity", "shelly-htg3/sensor/humidity", "55", snapshot.Fields{"rh": 55.0}},
		{"bare rh", "shelly-htg3/rh", "55.5", snapshot.Fields{"rh": 55.5}},
		{"bare unknown subtopic", "shelly-htg3/sensor/battery", "80", snapshot.Fields{}},
		{"bare non-numeric", "shelly-htg3/sensor/temperature", "warm", snapshot.Fields{}},
		{"prefix segment looks like temperature", "zigbee2mqtt/temp_sensor_hall/humidity", "55", snapshot.Fields{"rh": 55.0}},
		{"middle segment looks like humidity", "shelly-htg3/rhythm/temperature", "21", snapshot.Fields{"tC": 21.0}},
		{"component index suffix", "shelly-htg3/status/humidity:0", "47", snapshot.Fields{"rh": 47.0}},
		{"only prefix matches", "shelly-htg3/temperature/battery", "80", snapshot.Fields{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decode(tt.topic, []byte(tt.payload))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode(%q, %q) = %#v, want %#v", tt.topic, tt.payload, got, tt.want)
			}
		})
	}
}

// TestSensor_ShapesConverge feeds both payload shapes into a store and
// checks that they end in the same record.
func TestSensor_ShapesConverge(t *testing.T) {
	d := Sensor()
	schema := []snapshot.Schema{{Name: "sensor", Fields: d.Fields}}

	combined := snapshot.NewStore(schema)
	combined.Update("sensor", d.Decode("shelly-htg3/status", []byte(`{"tC":20,"rh":55}`)))

	split := snapshot.NewStore(schema)
	split.Update("sensor", d.Decode("shelly-htg3/sensor/temperature", []byte("20")))
	split.Update("sensor", d.Decode("shelly-htg3/sensor/humidity", []byte("55")))

	a := combined.Snapshot()["sensor"].Fields
	b := split.Snapshot()["sensor"].Fields
	if !reflect.DeepEqual(a, b) {
		t.Errorf("combined = %v, split = %v", a, b)
	}
	if a["tC"] != 20.0 || a["rh"] != 55.0 {
		t.Errorf("record = %v, want tC=20 rh=55", a)
	}
}

func TestCalendar(t *testing.T) {
	d := Calendar("next7d")

	t.Run("google style", func(t *testing.T) {
		payload := `{"generated_at":"2025-09-01T06:00:00Z","events":[
			{"summary":" Swimming ","start":{"dateTime":"2025-09-01T17:00:00+02:00"},"end":{"dateTime":"2025-09-01T18:00:00+02:00"},"location":"Hyllie"},
			{"summary":"Anna 40","start":{"date":"2025-09-03"},"end":{"date":"2025-09-04"}},
			{"summary":"no start"},
			"junk"
		]}`
		got := d.Decode("home/calendar/family/next7d", []byte(payload))
		want := snapshot.Fields{
			"generated_at": "2025-09-01T06:00:00Z",
			"count":        int64(2),
			"events": []map[string]any{
				{"summary": "Swimming", "start": "2025-09-01T17:00:00+02:00", "end": "2025-09-01T18:00:00+02:00", "all_day": false, "location": "Hyllie"},
				{"summary": "Anna 40", "start": "2025-09-03", "end": "2025-09-04", "all_day": true, "location": nil},
			},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Decode() = %#v\nwant %#v", got, want)
		}
	})

	t.Run("window key and top-level array", func(t *testing.T) {
		a := d.Decode("t", []byte(`{"events_next7d":[{"title":"Dentist","start":"2025-09-02T09:00:00"}]}`))
		b := d.Decode("t", []byte(`[{"title":"Dentist","start":"2025-09-02T09:00:00"}]`))
		if !reflect.DeepEqual(a["events"], b["events"]) {
			t.Errorf("events differ: %v vs %v", a["events"], b["events"])
		}
		if a["count"] != int64(1) {
			t.Errorf("count = %v, want 1", a["count"])
		}
	})

	t.Run("empty list clears", func(t *testing.T) {
		got := d.Decode("t", []byte(`{"events":[]}`))
		if got["count"] != int64(0) {
			t.Errorf("count = %v, want 0", got["count"])
		}
	})

	for _, payload := range []string{`42`, `abc`, `{"foo":1}`, `{"events":"x"}`, ``} {
		if got := d.Decode("t", []byte(payload)); len(got) != 0 {
			t.Errorf("Decode(%q) = %v, want no-op", payload, got)
		}
	}
}

func TestDecode_NeverNil(t *testing.T) {
	var zero Decoder
	if got := zero.Decode("x", nil); got == nil {
		t.Error("zero Decoder returned nil")
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		k    kind
		in   any
		want any
	}{
		{kindInt, "  7 ", int64(7)},
		{kindInt, "-3.9", int64(-3)},
		{kindInt, "", nil},
		{kindInt, true, nil},
		{kindInt, "9223372036854775808", nil},
		{kindInt, "-9223372036854775808", int64(math.MinInt64)},
		{kindInt, "1e300", nil},
		{kindFloat, "Inf", nil},
		{kindFloat, 2.5, 2.5},
		{kindBool, "OFF", false},
		{kindBool, "perhaps", nil},
		{kindString, 12.0, nil},
		{kindString, map[string]any{}, nil},
	}
	for _, tt := range tests {
		if got := coerce(tt.k, tt.in); got != tt.want {
			t.Errorf("coerce(%v, %#v) = %#v, want %#v", tt.k, tt.in, got, tt.want)
		}
	}
}

func TestObjectDecoders_IntOverflow(t *testing.T) {
	got := Car().Decode("home/car/state", []byte(`{"battery": 9223372036854775808, "range": 310}`))
	want := snapshot.Fields{"range": int64(310)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode() = %#v, want %#v", got, want)
	}
}
