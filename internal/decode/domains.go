package decode

import (
	"strings"

	"github.com/VickoT/FamilyDash/internal/snapshot"
)

// Washer decodes the washing machine state published by the Home
// Connect bridge: {"status": "Rinse", "time_to_end_min": 73}. A bare
// number is the remaining minutes.
func Washer() Decoder {
	return objectDecoder("time_to_end_min",
		str("status", "status", "state", "phase"),
		integer("time_to_end_min", "time_to_end_min", "time_to_end", "remaining_min", "time_left"),
	)
}

// Dryer decodes {"status": "drying", "time_left": 145}. A bare number
// is the remaining minutes.
func Dryer() Decoder {
	return objectDecoder("time_left",
		str("status", "status", "state", "phase"),
		integer("time_left", "time_left", "time_to_end_min", "remaining_min"),
	)
}

// Heartbeat stores the payload verbatim (trimmed). Publishers send
// either a timestamp or a counter; both are kept as text.
func Heartbeat() Decoder {
	return Decoder{
		Fields:  []string{"last"},
		Primary: "last",
		decode: func(_ string, payload []byte) snapshot.Fields {
			out := snapshot.Fields{}
			if s := strings.TrimSpace(string(payload)); s != "" {
				out.Set("last", s)
			}
			return out
		},
	}
}

// Car decodes the EV state: battery percentage, remaining range in km
// and charging flags.
func Car() Decoder {
	return objectDecoder("battery",
		integer("battery", "battery", "soc", "battery_level"),
		integer("range", "range", "range_km", "ev_range"),
		boolean("charging", "charging", "is_charging"),
		boolean("plugged_in", "plugged_in", "plugged"),
	)
}

// Climate decodes a room temperature/humidity sensor. Older firmware
// publishes the temperature as "t".
func Climate() Decoder {
	return objectDecoder("tC",
		num("tC", "tC", "temperature", "temp", "t"),
		num("rh", "rh", "humidity", "hum"),
		integer("battery", "battery", "battery_pct"),
	)
}

// AirQuality decodes the VOC sensor: total VOC in ppb, an air quality
// index (1 best to 5 worst) and estimated CO2.
func AirQuality() Decoder {
	return objectDecoder("tvoc_ppb",
		num("tvoc_ppb", "tvoc_ppb", "tvoc", "voc"),
		integer("aqi", "aqi", "iaq"),
		integer("eco2_ppm", "eco2_ppm", "eco2"),
	)
}

// Power decodes the house's instantaneous consumption in watts.
func Power() Decoder {
	return objectDecoder("power",
		num("power", "power", "apower", "watts", "W"),
	)
}

// Weather decodes the simplified forecast document:
//
//	{"generated_at": "...",
//	 "current": {"temperature": 14.2, "weather_code": 3, "icon": "☁️"},
//	 "today": {"t_max": 17.0, "uv_max": 4.1, "precip_sum_mm": 0.4, "precip_prob_max": 35}}
//
// Flat documents with the same keys are accepted as well.
func Weather() Decoder {
	return objectDecoder("temperature",
		num("temperature", "current.temperature", "temperature", "current.temperature_2m", "temperature_2m"),
		integer("weather_code", "current.weather_code", "weather_code", "today.weather_code"),
		str("icon", "current.icon", "icon", "today.icon"),
		num("t_max", "today.t_max", "t_max", "temperature_2m_max"),
		num("uv_max", "today.uv_max", "uv_max", "uv_index_max"),
		num("precip_sum_mm", "today.precip_sum_mm", "precip_sum_mm", "precipitation_sum"),
		integer("precip_prob_max", "today.precip_prob_max", "precip_prob_max", "precipitation_probability_max"),
		str("generated_at"),
	)
}

// EnergyPrice decodes the spot price document. Prices are in öre/kWh:
//
//	{"current": {"ore": 84.1, "level": "NORMAL", "starts_at": "..."},
//	 "today": [{"starts_at": "...", "ore": 84.1}, ...], "tomorrow": [...]}
//
// A bare number is the current price.
func EnergyPrice() Decoder {
	return objectDecoder("current",
		num("current", "current.ore", "current.energy_ore", "current", "price"),
		str("level", "current.level", "level"),
		str("starts_at", "current.starts_at", "current.startsAt", "starts_at"),
		list("today"),
		list("tomorrow"),
		str("generated_at"),
	)
}
