package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/httpkit"
)

const tibberQuery = `{
  viewer {
    homes {
      currentSubscription {
        priceInfo {
          current { startsAt energy level }
          today { startsAt energy }
          tomorrow { startsAt energy }
        }
      }
    }
  }
}`

// ErrNoPriceInfo is returned when the Tibber account has no home with
// an active subscription.
var ErrNoPriceInfo = errors.New("tibber: no price info in response")

// Tibber fetches spot prices from the Tibber GraphQL API and converts
// them from SEK/kWh to öre/kWh.
type Tibber struct {
	cfg    config.TibberConfig
	client *http.Client
	now    func() time.Time
}

// NewTibber creates the energy price source.
func NewTibber(cfg config.TibberConfig, client *http.Client) *Tibber {
	return &Tibber{cfg: cfg, client: client, now: time.Now}
}

// Name implements Source.
func (t *Tibber) Name() string { return "tibber" }

type tibberPrice struct {
	StartsAt string   `json:"startsAt"`
	Energy   *float64 `json:"energy"`
	Level    string   `json:"level"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription *struct {
					PriceInfo *struct {
						Current  *tibberPrice  `json:"current"`
						Today    []tibberPrice `json:"today"`
						Tomorrow []tibberPrice `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// PricePoint is one hourly price in the energy price payload.
type PricePoint struct {
	StartsAt string  `json:"starts_at"`
	Ore      float64 `json:"ore"`
}

// CurrentPrice is the "current" block of the energy price payload.
type CurrentPrice struct {
	Ore      *float64 `json:"ore"`
	Level    string   `json:"level,omitempty"`
	StartsAt string   `json:"starts_at,omitempty"`
}

// PricePayload is the document dispatched on the energy price topic.
type PricePayload struct {
	GeneratedAt string       `json:"generated_at"`
	Current     CurrentPrice `json:"current"`
	Today       []PricePoint `json:"today"`
	Tomorrow    []PricePoint `json:"tomorrow"`
}

// Fetch implements Source.
func (t *Tibber) Fetch(ctx context.Context) ([]byte, error) {
	if !t.cfg.Configured() {
		return nil, errors.New("tibber: no token configured")
	}
	body, err := json.Marshal(map[string]string{"query": tibberQuery})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tibber: %w", err)
	}
	var raw tibberResponse
	if err := httpkit.DecodeJSON(resp, &raw); err != nil {
		return nil, fmt.Errorf("tibber: %w", err)
	}
	p, err := t.simplify(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (t *Tibber) simplify(raw tibberResponse) (PricePayload, error) {
	if len(raw.Errors) > 0 {
		msgs := make([]string, len(raw.Errors))
		for i, e := range raw.Errors {
			msgs[i] = e.Message
		}
		return PricePayload{}, fmt.Errorf("tibber: %s", strings.Join(msgs, "; "))
	}
	homes := raw.Data.Viewer.Homes
	if len(homes) == 0 || homes[0].CurrentSubscription == nil || homes[0].CurrentSubscription.PriceInfo == nil {
		return PricePayload{}, ErrNoPriceInfo
	}
	info := homes[0].CurrentSubscription.PriceInfo

	p := PricePayload{
		GeneratedAt: t.now().Format(time.RFC3339),
		Today:       toOre(info.Today),
		Tomorrow:    toOre(info.Tomorrow),
	}
	if c := info.Current; c != nil {
		p.Current.StartsAt = c.StartsAt
		p.Current.Level = c.Level
		if c.Energy != nil {
			ore := oreFromSEK(*c.Energy)
			p.Current.Ore = &ore
		}
	}
	return p, nil
}

func toOre(prices []tibberPrice) []PricePoint {
	out := make([]PricePoint, 0, len(prices))
	for _, pr := range prices {
		if pr.Energy == nil {
			continue
		}
		out = append(out, PricePoint{StartsAt: pr.StartsAt, Ore: oreFromSEK(*pr.Energy)})
	}
	return out
}

// oreFromSEK converts and rounds to hundredths of an öre.
func oreFromSEK(sek float64) float64 {
	return math.Round(sek*100*100) / 100
}
