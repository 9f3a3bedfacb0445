package processor

import (
	"fmt"

	"tickflow/config"
	"tickflow/models"
)

// TickValidator gates raw ticks before processing. Invalid ticks are
// dropped and counted; in strict mode the caller also sees the error.
type TickValidator struct {
	ceiling float64
	strict  bool
}

func NewTickValidator(cfg config.ProcessorConfig) *TickValidator {
	ceiling := cfg.PriceCeiling
	if ceiling <= 0 {
		ceiling = 1_000_000
	}
	divisor := cfg.PriceDivisor
	if divisor <= 0 {
		divisor = 100
	}
	// Raw feed prices arrive in minor units; the configured ceiling is in
	// major units, so the bound scales by the divisor.
	return &TickValidator{ceiling: ceiling * divisor, strict: cfg.StrictMode}
}

func (v *TickValidator) Strict() bool { return v.strict }

// Validate checks structural sanity, not market plausibility.
func (v *TickValidator) Validate(t models.RawTick) error {
	if t.Token == 0 {
		return fmt.Errorf("zero instrument token")
	}
	if t.LastPrice < 0 || t.LastPrice > v.ceiling {
		return fmt.Errorf("price %f outside [0, %f] for token %d", t.LastPrice, v.ceiling, t.Token)
	}
	if t.Volume < 0 {
		return fmt.Errorf("negative volume %d for token %d", t.Volume, t.Token)
	}
	if t.OI < 0 {
		return fmt.Errorf("negative open interest %d for token %d", t.OI, t.Token)
	}
	return nil
}
