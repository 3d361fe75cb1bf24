package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/httpkit"
)

// Weather fetches the Open-Meteo forecast and reduces it to the
// current reading plus today's outlook.
type Weather struct {
	cfg    config.WeatherConfig
	client *http.Client
	loc    *time.Location
	now    func() time.Time
}

// NewWeather creates the weather source. An unknown timezone falls back
// to UTC for the generated_at stamp; Open-Meteo still gets the name.
func NewWeather(cfg config.WeatherConfig, client *http.Client) *Weather {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Weather{cfg: cfg, client: client, loc: loc, now: time.Now}
}

// Name implements Source.
func (w *Weather) Name() string { return "weather" }

type openMeteoResponse struct {
	Current struct {
		Temperature *float64 `json:"temperature_2m"`
		WeatherCode *int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time          []string   `json:"time"`
		WeatherCode   []*int     `json:"weather_code"`
		TempMax       []*float64 `json:"temperature_2m_max"`
		UVMax         []*float64 `json:"uv_index_max"`
		PrecipSum     []*float64 `json:"precipitation_sum"`
		PrecipProbMax []*int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

// WeatherCurrent is the "current" block of the weather payload.
type WeatherCurrent struct {
	Temperature *float64 `json:"temperature"`
	WeatherCode *int     `json:"weather_code"`
	Icon        string   `json:"icon"`
}

// WeatherToday is the "today" block of the weather payload.
type WeatherToday struct {
	Date          string   `json:"date,omitempty"`
	WeatherCode   *int     `json:"weather_code"`
	Icon          string   `json:"icon,omitempty"`
	TMax          *float64 `json:"t_max"`
	UVMax         *float64 `json:"uv_max"`
	PrecipSumMM   *float64 `json:"precip_sum_mm"`
	PrecipProbMax *int     `json:"precip_prob_max"`
}

// WeatherPayload is the document dispatched on the weather topic.
type WeatherPayload struct {
	GeneratedAt string         `json:"generated_at"`
	Current     WeatherCurrent `json:"current"`
	Today       WeatherToday   `json:"today"`
}

// Fetch implements Source.
func (w *Weather) Fetch(ctx context.Context) ([]byte, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(w.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(w.cfg.Longitude, 'f', -1, 64))
	q.Set("timezone", w.cfg.Timezone)
	q.Set("current", "temperature_2m,weather_code")
	q.Set("daily", "weather_code,temperature_2m_max,uv_index_max,precipitation_sum,precipitation_probability_max")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open-meteo: %w", err)
	}
	var raw openMeteoResponse
	if err := httpkit.DecodeJSON(resp, &raw); err != nil {
		return nil, fmt.Errorf("open-meteo: %w", err)
	}
	return json.Marshal(w.simplify(raw))
}

func (w *Weather) simplify(raw openMeteoResponse) WeatherPayload {
	p := WeatherPayload{
		GeneratedAt: w.now().In(w.loc).Format(time.RFC3339),
		Current: WeatherCurrent{
			Temperature: raw.Current.Temperature,
			WeatherCode: raw.Current.WeatherCode,
		},
	}
	if raw.Current.WeatherCode != nil {
		p.Current.Icon = WMOIcon(*raw.Current.WeatherCode)
	}

	// Day 0 is today in the requested timezone.
	d := raw.Daily
	p.Today = WeatherToday{
		Date:          first(d.Time),
		WeatherCode:   first(d.WeatherCode),
		TMax:          first(d.TempMax),
		UVMax:         first(d.UVMax),
		PrecipSumMM:   first(d.PrecipSum),
		PrecipProbMax: first(d.PrecipProbMax),
	}
	if p.Today.WeatherCode != nil {
		p.Today.Icon = WMOIcon(*p.Today.WeatherCode)
	}
	return p
}

func first[T any](s []T) T {
	var zero T
	if len(s) == 0 {
		return zero
	}
	return s[0]
}

// WMOIcon maps a WMO weather interpretation code to an emoji.
func WMOIcon(code int) string {
	switch code {
	case 0:
		return "☀️"
	case 1, 2:
		return "🌤️"
	case 3:
		return "☁️"
	case 45, 48:
		return "🌫️"
	case 51, 53, 55, 56, 57:
		return "🌦️"
	case 61, 63, 65, 80, 81, 82:
		return "🌧️"
	case 66, 67:
		return "🌨️"
	case 71, 73, 75, 77, 85, 86:
		return "❄️"
	case 95, 96, 99:
		return "⛈️"
	}
	return "🌡️"
}
