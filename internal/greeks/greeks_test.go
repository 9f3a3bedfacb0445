package greeks

import (
	"math"
	"testing"
	"time"

	"tickflow/models"
)

func fixedCalculator(riskFree, dividend float64) *Calculator {
	c := NewCalculator(riskFree, dividend)
	c.now = func() time.Time {
		return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	}
	return c
}

func TestImpliedVolRoundTrip(t *testing.T) {
	c := fixedCalculator(0.07, 0)
	expiry := time.Date(2026, 9, 25, 15, 30, 0, 0, time.UTC)
	years := c.YearsToExpiry(expiry)

	for _, sigma := range []float64{0.10, 0.15, 0.30} {
		price := c.price(24100, 24500, years, sigma, true)
		g := c.Compute(price, 24100, 24500, expiry, "CE")
		if math.Abs(g.IV-sigma) > 0.001 {
			t.Fatalf("sigma %v round-tripped to IV %v", sigma, g.IV)
		}
	}
}

func TestCallGreeksShape(t *testing.T) {
	c := fixedCalculator(0.07, 0)
	expiry := time.Date(2026, 9, 25, 15, 30, 0, 0, time.UTC)
	years := c.YearsToExpiry(expiry)
	price := c.price(24100, 24500, years, 0.15, true)

	g := c.Compute(price, 24100, 24500, expiry, "CE")
	if g.Delta <= 0 || g.Delta >= 1 {
		t.Fatalf("call delta = %v, want (0,1)", g.Delta)
	}
	if g.Gamma <= 0 {
		t.Fatalf("gamma = %v, want > 0", g.Gamma)
	}
	if g.Vega <= 0 {
		t.Fatalf("vega = %v, want > 0", g.Vega)
	}
	if g.Theta >= 0 {
		t.Fatalf("long call theta = %v, want < 0", g.Theta)
	}
	if g.Rho <= 0 {
		t.Fatalf("call rho = %v, want > 0", g.Rho)
	}
}

func TestPutGreeksShape(t *testing.T) {
	c := fixedCalculator(0.07, 0)
	expiry := time.Date(2026, 9, 25, 15, 30, 0, 0, time.UTC)
	years := c.YearsToExpiry(expiry)
	price := c.price(24100, 24500, years, 0.15, false)

	g := c.Compute(price, 24100, 24500, expiry, "PE")
	if g.Delta >= 0 || g.Delta <= -1 {
		t.Fatalf("put delta = %v, want (-1,0)", g.Delta)
	}
	if g.Rho >= 0 {
		t.Fatalf("put rho = %v, want < 0", g.Rho)
	}
}

func TestGracefulDegradation(t *testing.T) {
	c := fixedCalculator(0.07, 0)
	expiry := time.Date(2026, 9, 25, 15, 30, 0, 0, time.UTC)
	zero := models.Greeks{}

	cases := []struct {
		name                string
		price, spot, strike float64
		expiry              time.Time
		optType             string
	}{
		{"zero price", 0, 24100, 24500, expiry, "CE"},
		{"negative spot", 100, -1, 24500, expiry, "CE"},
		{"zero strike", 100, 24100, 0, expiry, "CE"},
		{"expired", 100, 24100, 24500, time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC), "CE"},
		{"unknown type", 100, 24100, 24500, expiry, "FUT"},
		{"price below any model value", 1e-9, 24100, 30000, expiry, "CE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if g := c.Compute(tc.price, tc.spot, tc.strike, tc.expiry, tc.optType); g != zero {
				t.Fatalf("got %+v, want zero Greeks", g)
			}
		})
	}
}

func TestYearsToExpiryFloor(t *testing.T) {
	c := fixedCalculator(0.07, 0)
	past := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	if y := c.YearsToExpiry(past); y != 0 {
		t.Fatalf("years to past expiry = %v, want 0", y)
	}
	future := time.Date(2027, 8, 26, 10, 0, 0, 0, time.UTC)
	if y := c.YearsToExpiry(future); math.Abs(y-1) > 0.01 {
		t.Fatalf("years to one-year expiry = %v, want ~1", y)
	}
}
