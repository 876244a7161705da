package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// FeeTier is one maker/taker rate pair, active from VolumeMin cumulative
// traded notional upward.
type FeeTier struct {
	Name      string
	VolumeMin decimal.Decimal
	Maker     decimal.Decimal
	Taker     decimal.Decimal
}

// FeeSchedule computes maker/taker fees with volume-tiered rates. Rates
// are fractions of traded notional; negative maker rates model rebates.
type FeeSchedule struct {
	tiers []FeeTier
}

// NewFeeSchedule builds a schedule from tiers. The lowest tier must start
// at zero volume so every trade has an applicable rate.
func NewFeeSchedule(tiers []FeeTier) (*FeeSchedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("fee schedule requires at least one tier")
	}
	s := make([]FeeTier, len(tiers))
	copy(s, tiers)
	sort.Slice(s, func(i, j int) bool { return s[i].VolumeMin.LessThan(s[j].VolumeMin) })
	if !s[0].VolumeMin.IsZero() {
		return nil, fmt.Errorf("lowest fee tier must start at zero volume, got %s", s[0].VolumeMin)
	}
	return &FeeSchedule{tiers: s}, nil
}

// FlatFees is a single-tier schedule.
func FlatFees(maker, taker decimal.Decimal) *FeeSchedule {
	return &FeeSchedule{tiers: []FeeTier{{Name: "flat", Maker: maker, Taker: taker}}}
}

// tier returns the tier active at the given cumulative volume.
func (f *FeeSchedule) tier(volume decimal.Decimal) FeeTier {
	active := f.tiers[0]
	for _, t := range f.tiers[1:] {
		if volume.GreaterThanOrEqual(t.VolumeMin) {
			active = t
			continue
		}
		break
	}
	return active
}

// Rate returns the applicable fee rate for the liquidity role at the given
// cumulative traded volume.
func (f *FeeSchedule) Rate(maker bool, volume decimal.Decimal) decimal.Decimal {
	t := f.tier(volume)
	if maker {
		return t.Maker
	}
	return t.Taker
}

// Fee computes the fee on a fill of the given notional.
func (f *FeeSchedule) Fee(notional decimal.Decimal, maker bool, volume decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.Rate(maker, volume))
}
