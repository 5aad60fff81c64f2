// Package feetax computes platform fees and Canadian sales taxes. All
// functions are pure; rates and fee bounds come in as explicit values so the
// calculator never reads configuration or the environment itself.
package feetax

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrInvalidAmount is returned when a fee or tax is requested for a
	// negative amount.
	ErrInvalidAmount = errors.New("feetax: amount must not be negative")
)

// FeeSchedule is the versioned platform fee configuration. Defaults mirror
// the production settings: 5% bounded to [$2.00, $50.00].
type FeeSchedule struct {
	Percentage float64
	Minimum    float64
	Maximum    float64
}

// DefaultFeeSchedule returns the platform's standard fee tier.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Percentage: 0.05,
		Minimum:    2.00,
		Maximum:    50.00,
	}
}

// PlatformFee computes the percentage fee on amount, clamped to the
// schedule's minimum and maximum and rounded to cents.
func PlatformFee(amount float64, schedule FeeSchedule) (float64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}

	fee := amount * schedule.Percentage
	if fee < schedule.Minimum {
		fee = schedule.Minimum
	}
	if fee > schedule.Maximum {
		fee = schedule.Maximum
	}

	return roundCents(fee), nil
}

// TaxBreakdown holds the per-component Canadian tax amounts for a charge.
// HST provinces populate only HST; GST+PST provinces populate GST and
// (where applicable) PST.
type TaxBreakdown struct {
	GST   float64
	PST   float64
	HST   float64
	Total float64
}

// TaxTotal returns the sum of the tax components without the base amount.
func (b TaxBreakdown) TaxTotal() float64 {
	return roundCents(b.GST + b.PST + b.HST)
}

const gstRate = 0.05 // federal GST

// provinceRates maps a lowercase province code to its HST rate (if the
// province uses HST) or its PST rate. Provinces absent from both maps apply
// GST only.
var hstRates = map[string]float64{
	"on": 0.13,
	"nb": 0.15,
	"ns": 0.15,
	"pe": 0.15,
	"nl": 0.15,
}

var pstRates = map[string]float64{
	"bc": 0.07,
	"sk": 0.06,
	"mb": 0.07,
	"qc": 0.09975, // QST
}

// CanadianTax computes GST/PST/HST for amount in the given province. An
// unrecognized province code falls back to GST-only with zero PST and HST;
// that silent default is deliberate and matches how unknown codes have
// always been billed.
func CanadianTax(amount float64, province string) (TaxBreakdown, error) {
	if amount < 0 {
		return TaxBreakdown{}, ErrInvalidAmount
	}

	code := strings.ToLower(strings.TrimSpace(province))

	var b TaxBreakdown
	if hst, ok := hstRates[code]; ok {
		// HST replaces both GST and PST.
		b.HST = roundCents(amount * hst)
	} else {
		b.GST = roundCents(amount * gstRate)
		if pst, ok := pstRates[code]; ok {
			b.PST = roundCents(amount * pst)
		}
	}

	b.Total = roundCents(amount + b.GST + b.PST + b.HST)
	return b, nil
}

// Quote is the full amount composition for an escrow hold: the accepted bid
// amount, the platform fee, the tax breakdown for the service province, and
// the grand total the client is charged.
type Quote struct {
	BidAmount   float64
	PlatformFee float64
	Taxes       TaxBreakdown
	TotalAmount float64
}

// QuoteTotal composes the amount to hold in escrow for a bid: bid amount plus
// platform fee plus Canadian taxes on the bid, based on the worker's province
// (taxes follow the service delivery location).
func QuoteTotal(bidAmount float64, workerProvince string, schedule FeeSchedule) (Quote, error) {
	fee, err := PlatformFee(bidAmount, schedule)
	if err != nil {
		return Quote{}, err
	}

	taxes, err := CanadianTax(bidAmount, workerProvince)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		BidAmount:   bidAmount,
		PlatformFee: fee,
		Taxes:       taxes,
		TotalAmount: roundCents(bidAmount + fee + taxes.TaxTotal()),
	}, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
