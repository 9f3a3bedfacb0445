package greeks

import (
	"math"
	"time"

	"tickflow/models"
)

const (
	ivLow      = 0.001
	ivHigh     = 5.0
	ivTol      = 1e-5
	ivMaxIters = 100

	// ivPriceFloor is well under the smallest quotable premium (0.05);
	// quotes below it cannot anchor a meaningful inversion.
	ivPriceFloor = 1e-4

	yearHours = 24 * 365
)

// Calculator prices option sensitivities with the Black-Scholes model under
// a continuous dividend yield. All failure paths return zero Greeks; the
// enrichment must never block tick delivery.
type Calculator struct {
	riskFree float64
	dividend float64
	now      func() time.Time
}

func NewCalculator(riskFree, dividend float64) *Calculator {
	return &Calculator{
		riskFree: riskFree,
		dividend: dividend,
		now:      time.Now,
	}
}

// YearsToExpiry returns the time to the expiry cutoff in years, floored at
// zero for contracts already past cutoff.
func (c *Calculator) YearsToExpiry(cutoff time.Time) float64 {
	t := cutoff.Sub(c.now()).Hours() / yearHours
	if t < 0 {
		return 0
	}
	return t
}

// Compute solves implied volatility from the market price by bisection and
// derives the five Greeks from it. optionType is "CE" or "PE". Non-positive
// inputs, expired contracts and non-convergent solves all yield zero Greeks.
func (c *Calculator) Compute(marketPrice, spot, strike float64, expiryCutoff time.Time, optionType string) models.Greeks {
	if marketPrice <= 0 || spot <= 0 || strike <= 0 {
		return models.Greeks{}
	}
	isCall := optionType == "CE"
	if !isCall && optionType != "PE" {
		return models.Greeks{}
	}
	t := c.YearsToExpiry(expiryCutoff)
	if t <= 0 {
		return models.Greeks{}
	}

	iv, ok := c.impliedVol(marketPrice, spot, strike, t, isCall)
	if !ok {
		return models.Greeks{}
	}
	return c.greeksAt(iv, spot, strike, t, isCall)
}

// TheoreticalPrice values the contract at a given volatility. The mock feed
// uses it when no traded price is available to seed from. Invalid inputs and
// expired contracts price at zero.
func (c *Calculator) TheoreticalPrice(spot, strike, sigma float64, expiryCutoff time.Time, optionType string) float64 {
	if spot <= 0 || strike <= 0 || sigma <= 0 {
		return 0
	}
	isCall := optionType == "CE"
	if !isCall && optionType != "PE" {
		return 0
	}
	t := c.YearsToExpiry(expiryCutoff)
	if t <= 0 {
		return 0
	}
	return c.price(spot, strike, t, sigma, isCall)
}

// impliedVol inverts the pricing model by bisection over [ivLow, ivHigh].
func (c *Calculator) impliedVol(marketPrice, spot, strike, t float64, isCall bool) (float64, bool) {
	lo, hi := ivLow, ivHigh
	priceLo := c.price(spot, strike, t, lo, isCall)
	priceHi := c.price(spot, strike, t, hi, isCall)
	if marketPrice < ivPriceFloor || marketPrice < priceLo || marketPrice > priceHi {
		return 0, false
	}
	for i := 0; i < ivMaxIters; i++ {
		mid := (lo + hi) / 2
		p := c.price(spot, strike, t, mid, isCall)
		diff := p - marketPrice
		if math.Abs(diff) < ivTol {
			return mid, true
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2, true
}

func (c *Calculator) price(spot, strike, t, sigma float64, isCall bool) float64 {
	d1, d2 := c.d1d2(spot, strike, t, sigma)
	discQ := math.Exp(-c.dividend * t)
	discR := math.Exp(-c.riskFree * t)
	if isCall {
		return spot*discQ*normCDF(d1) - strike*discR*normCDF(d2)
	}
	return strike*discR*normCDF(-d2) - spot*discQ*normCDF(-d1)
}

// greeksAt reports delta and gamma in natural units, theta per calendar day,
// and vega/rho per one percentage point move.
func (c *Calculator) greeksAt(sigma, spot, strike, t float64, isCall bool) models.Greeks {
	d1, d2 := c.d1d2(spot, strike, t, sigma)
	discQ := math.Exp(-c.dividend * t)
	discR := math.Exp(-c.riskFree * t)
	pdf := normPDF(d1)
	sqrtT := math.Sqrt(t)

	g := models.Greeks{IV: sigma}
	g.Gamma = discQ * pdf / (spot * sigma * sqrtT)
	g.Vega = spot * discQ * pdf * sqrtT / 100

	decay := -spot * discQ * pdf * sigma / (2 * sqrtT)
	if isCall {
		g.Delta = discQ * normCDF(d1)
		g.Theta = (decay - c.riskFree*strike*discR*normCDF(d2) + c.dividend*spot*discQ*normCDF(d1)) / 365
		g.Rho = strike * t * discR * normCDF(d2) / 100
	} else {
		g.Delta = discQ * (normCDF(d1) - 1)
		g.Theta = (decay + c.riskFree*strike*discR*normCDF(-d2) - c.dividend*spot*discQ*normCDF(-d1)) / 365
		g.Rho = -strike * t * discR * normCDF(-d2) / 100
	}
	return g
}

func (c *Calculator) d1d2(spot, strike, t, sigma float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (c.riskFree-c.dividend+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
	return d1, d1 - sigma*math.Sqrt(t)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
