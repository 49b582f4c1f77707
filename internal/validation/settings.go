// Package validation holds the stateless checks a document must pass
// before the planboard records it.
package validation

import (
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/config"
)

// Settings are the participant values every check compares against
type Settings struct {
	Domain                  string
	TimeZone                string
	Currency                string
	PtuDuration             int // minutes
	GateClosurePtus         int
	IntradayGateClosurePtus int
	// Offset of the day-ahead gate closure from midnight of the day before
	DayAheadGateClosure time.Duration
	Model               ptu.Model
}

// SettingsFromConfig derives Settings from the participant configuration
func SettingsFromConfig(u config.USEFConfig) (Settings, error) {
	gate, err := time.Parse("15:04", u.DayAheadGateClosureTime)
	if err != nil {
		return Settings{}, contracts.NewConfigurationError("validation",
			"day-ahead gate closure time %q: %v", u.DayAheadGateClosureTime, err)
	}

	return Settings{
		Domain:                  u.Domain,
		TimeZone:                u.TimeZone,
		Currency:                u.Currency,
		PtuDuration:             u.PtuDuration,
		GateClosurePtus:         u.GateClosurePtus,
		IntradayGateClosurePtus: u.IntradayGateClosurePtus,
		DayAheadGateClosure:     time.Duration(gate.Hour())*time.Hour + time.Duration(gate.Minute())*time.Minute,
		Model:                   ptu.NewModel(u.Location(), u.PtuDuration),
	}, nil
}

func (s Settings) ptuDuration() time.Duration {
	return time.Duration(s.PtuDuration) * time.Minute
}

// String is used in log lines
func (s Settings) String() string {
	return fmt.Sprintf("%s (%s, %s, %dm PTU)", s.Domain, s.TimeZone, s.Currency, s.PtuDuration)
}
