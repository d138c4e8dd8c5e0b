package paykit

import "math"

// FeeSchedule is the payout fee policy: a country-specific transfer-fee rate,
// a proportional payout-fee rate, and a flat payout fee in minor units. The
// exact coefficients are policy inputs confirmed against the processor's fee
// schedule, not constants of this package.
type FeeSchedule struct {
	// TransferRates maps ISO country codes to the transfer-fee rate applied
	// to cross-border transfers. Missing countries use DefaultTransferRate.
	TransferRates map[string]float64

	// DefaultTransferRate is the transfer-fee rate for unlisted countries.
	DefaultTransferRate float64

	// PayoutRate is the proportional payout fee applied after the transfer fee.
	PayoutRate float64

	// PayoutFixed is the flat payout fee in minor units.
	PayoutFixed int64
}

// DefaultFeeSchedule returns a schedule with representative processor rates.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		TransferRates:       map[string]float64{"US": 0},
		DefaultTransferRate: 0.01,
		PayoutRate:          0.0025,
		PayoutFixed:         25,
	}
}

func (f FeeSchedule) transferRate(country string) float64 {
	if r, ok := f.TransferRates[country]; ok {
		return r
	}
	return f.DefaultTransferRate
}

// FeesForGross computes the two fee legs for a gross amount. The transfer fee
// rounds up in the platform's favor; the payout fee applies to the remainder.
func (f FeeSchedule) FeesForGross(gross int64, country string) (transferFee, payoutFee int64) {
	p1 := f.transferRate(country)
	transferFee = int64(math.Ceil(float64(gross) * p1))
	payoutFee = int64(math.Ceil(float64(gross-transferFee)*f.PayoutRate)) + f.PayoutFixed
	return transferFee, payoutFee
}

// NetForGross returns what reaches the payee's bank from a gross amount.
func (f FeeSchedule) NetForGross(gross int64, country string) int64 {
	transferFee, payoutFee := f.FeesForGross(gross, country)
	return gross - transferFee - payoutFee
}

// GrossForNet solves the reverse problem: the gross amount to deduct from the
// account so the payee nets the requested amount after both fees. Closed-form
// division, then at most a couple of single-cent steps to absorb the ceil
// rounding in FeesForGross. Non-positive results are rejected, never clamped.
func (f FeeSchedule) GrossForNet(net int64, country string) (int64, error) {
	if net <= 0 {
		return 0, ErrAmountTooLowForPayout
	}
	p1 := f.transferRate(country)
	denom := (1 - p1) * (1 - f.PayoutRate)
	if denom <= 0 {
		return 0, ErrAmountTooLowForPayout
	}

	gross := int64(math.Ceil(float64(net+f.PayoutFixed) / denom))
	for i := 0; i < 4 && f.NetForGross(gross, country) < net; i++ {
		gross++
	}
	for gross > 1 && f.NetForGross(gross-1, country) >= net {
		gross--
	}

	if gross <= 0 || f.NetForGross(gross, country) <= 0 {
		return 0, ErrAmountTooLowForPayout
	}
	return gross, nil
}
