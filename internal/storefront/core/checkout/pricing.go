package checkout

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

const (
	MinDimension = 0.5
	MaxDimension = 50
)

var economyFactor = decimal.RequireFromString("0.90")

// Discounted applies the delivery discount to a canonical total. Pricing
// tables know nothing about delivery; the policy lives here.
func Discounted(total decimal.Decimal, option entity.DeliveryOption) decimal.Decimal {
	if option == entity.DeliveryEconomy {
		return total.Mul(economyFactor).Round(2)
	}
	return total.Round(2)
}

// QuoteInput is an advisory price request.
type QuoteInput struct {
	ProductName    string
	Width          float64
	Height         float64
	Quantity       int
	DeliveryOption entity.DeliveryOption
}

// Breakdown is a canonical price plus the upsell prompts for it.
type Breakdown struct {
	Quote           pricing.Quote
	DiscountedTotal decimal.Decimal
	Upsell          []pricing.Upsell
}

func (in QuoteInput) validate() error {
	verr := &errs.ValidationError{}
	if in.ProductName == "" {
		verr.Add("productName", "productName is required")
	}
	for _, d := range []struct {
		field string
		v     float64
	}{{"width", in.Width}, {"height", in.Height}} {
		if !(d.v >= MinDimension && d.v <= MaxDimension) {
			verr.Add(d.field, "must be between 0.5 and 50 inches")
		}
	}
	if in.Quantity < 1 {
		verr.Add("quantity", "must be at least 1")
	}
	switch in.DeliveryOption {
	case "", entity.DeliveryRush, entity.DeliveryStandard, entity.DeliveryEconomy:
	default:
		verr.Add("deliveryOption", "must be one of rush, standard, economy")
	}
	return verr.OrNil()
}

// Quote prices a line without creating anything.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (Breakdown, error) {
	if err := in.validate(); err != nil {
		return Breakdown{}, err
	}
	q, err := s.price(ctx, in.ProductName, in.Width, in.Height, in.Quantity)
	if err != nil {
		return Breakdown{}, err
	}
	ups, err := s.catalog.UpsellTiers(in.ProductName, in.Width, in.Height, in.Quantity)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Quote:           q,
		DiscountedTotal: Discounted(q.TotalPrice, in.DeliveryOption),
		Upsell:          ups,
	}, nil
}

func (s *Service) price(ctx context.Context, product string, width, height float64, quantity int) (pricing.Quote, error) {
	q, err := s.catalog.ComputePrice(product, width, height, quantity)
	if err != nil {
		return pricing.Quote{}, err
	}
	if q.UsedFallback {
		slog.WarnContext(ctx, "unknown product, priced with the default profile",
			"product_name", product,
			"profile", q.Profile,
		)
	}
	return q, nil
}
