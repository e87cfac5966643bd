package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
)

// MaxUpsellTiers caps the number of "order more, pay less" suggestions.
const MaxUpsellTiers = 2

var two = decimal.NewFromInt(2)

// Quote is the canonical price of one line.
type Quote struct {
	ProductName  string
	Profile      string
	UsedFallback bool
	ResolvedSize int
	TierIndex    int
	Quantity     int
	UnitPrice    decimal.Decimal
	TotalPrice   decimal.Decimal
}

// Upsell is an advisory higher-quantity tier.
type Upsell struct {
	Quantity       int
	UnitPrice      decimal.Decimal
	TotalPrice     decimal.Decimal
	SavingsPercent int64
}

// ComputePrice resolves the profile, size and tier for a line and returns
// the canonical unit and total price.
func (c *Catalog) ComputePrice(productName string, width, height float64, quantity int) (Quote, error) {
	p, known := c.Lookup(productName)
	size, err := resolveSize(p, width, height)
	if err != nil {
		return Quote{}, err
	}
	if quantity < 1 {
		return Quote{}, &errs.PricingError{Reason: "quantity must be at least 1"}
	}

	tier := p.tierIndex(quantity)
	unit := p.Prices[size][tier]
	return Quote{
		ProductName:  productName,
		Profile:      p.Name,
		UsedFallback: !known,
		ResolvedSize: size,
		TierIndex:    tier,
		Quantity:     quantity,
		UnitPrice:    unit,
		TotalPrice:   unit.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

// UpsellTiers returns up to MaxUpsellTiers tiers above the one the current
// quantity falls in, stopping at the first tier that saves nothing.
func (c *Catalog) UpsellTiers(productName string, width, height float64, currentQuantity int) ([]Upsell, error) {
	q, err := c.ComputePrice(productName, width, height, currentQuantity)
	if err != nil {
		return nil, err
	}
	p, _ := c.Lookup(productName)
	row := p.Prices[q.ResolvedSize]

	var out []Upsell
	for i := q.TierIndex + 1; i < len(p.Breakpoints) && len(out) < MaxUpsellTiers; i++ {
		savings := q.UnitPrice.Sub(row[i]).Div(q.UnitPrice).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
		if savings <= 0 {
			break
		}
		qty := p.Breakpoints[i]
		out = append(out, Upsell{
			Quantity:       qty,
			UnitPrice:      row[i],
			TotalPrice:     row[i].Mul(decimal.NewFromInt(int64(qty))),
			SavingsPercent: savings,
		})
	}
	return out, nil
}

// resolveSize averages the two dimensions, rounds up to a whole inch and
// clamps the result into the profile's size range.
func resolveSize(p *Profile, width, height float64) (int, error) {
	if !finite(width) || !finite(height) {
		return 0, &errs.PricingError{Reason: "dimensions must be finite numbers"}
	}
	if width <= 0 || height <= 0 {
		return 0, &errs.PricingError{Reason: "dimensions must be positive"}
	}
	avg := decimal.NewFromFloat(width).Add(decimal.NewFromFloat(height)).Div(two).Ceil().IntPart()
	size := int(avg)
	if size < p.MinSize {
		size = p.MinSize
	}
	if size > p.MaxSize {
		size = p.MaxSize
	}
	return size, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// tierIndex is the largest breakpoint index whose value is <= quantity.
// Quantities below the first breakpoint use tier 0.
func (p *Profile) tierIndex(quantity int) int {
	tier := 0
	for i, bp := range p.Breakpoints {
		if bp <= quantity {
			tier = i
		}
	}
	return tier
}
