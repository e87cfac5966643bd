package httpx

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/checkout"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

type CheckoutResponse struct {
	URL string `json:"url"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details []errs.FieldError `json:"details,omitempty"`
}

type UpsellResponse struct {
	Quantity       int         `json:"quantity"`
	UnitPrice      json.Number `json:"unitPrice"`
	TotalPrice     json.Number `json:"totalPrice"`
	SavingsPercent int64       `json:"savingsPercent"`
}

type QuoteResponse struct {
	ProductName     string           `json:"productName"`
	Profile         string           `json:"profile"`
	ResolvedSize    int              `json:"resolvedSize"`
	Quantity        int              `json:"quantity"`
	UnitPrice       json.Number      `json:"unitPrice"`
	TotalPrice      json.Number      `json:"totalPrice"`
	DiscountedTotal json.Number      `json:"discountedTotal"`
	Upsell          []UpsellResponse `json:"upsell"`
}

type OrderResponse struct {
	ID                  string          `json:"id"`
	Gateway             string          `json:"gateway,omitempty"`
	GatewayOrderID      string          `json:"gatewayOrderId,omitempty"`
	GatewayCaptureID    string          `json:"gatewayCaptureId,omitempty"`
	Customer            entity.Customer `json:"customer"`
	ShippingAddress     entity.Address  `json:"shippingAddress"`
	ProductName         string          `json:"productName"`
	Quantity            int             `json:"quantity"`
	Width               float64         `json:"width"`
	Height              float64         `json:"height"`
	Backing             string          `json:"backing,omitempty"`
	Color               string          `json:"color,omitempty"`
	DeliveryOption      string          `json:"deliveryOption"`
	RushDate            string          `json:"rushDate,omitempty"`
	Addons              []string        `json:"addons"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
	ArtworkURL          string          `json:"artworkUrl,omitempty"`
	PaymentMethod       string          `json:"paymentMethod"`
	ResolvedSize        int             `json:"resolvedSize"`
	UnitPrice           json.Number     `json:"unitPrice"`
	TotalPrice          json.Number     `json:"totalPrice"`
	AmountPaid          json.Number     `json:"amountPaid"`
	Status              string          `json:"status"`
	PaymentStatus       string          `json:"paymentStatus"`
	CreatedAt           string          `json:"createdAt"`
	UpdatedAt           string          `json:"updatedAt"`
	PaidAt              string          `json:"paidAt,omitempty"`
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func mapQuote(b checkout.Breakdown) QuoteResponse {
	ups := make([]UpsellResponse, 0, len(b.Upsell))
	for _, u := range b.Upsell {
		ups = append(ups, mapUpsell(u))
	}
	return QuoteResponse{
		ProductName:     b.Quote.ProductName,
		Profile:         b.Quote.Profile,
		ResolvedSize:    b.Quote.ResolvedSize,
		Quantity:        b.Quote.Quantity,
		UnitPrice:       money(b.Quote.UnitPrice),
		TotalPrice:      money(b.Quote.TotalPrice),
		DiscountedTotal: money(b.DiscountedTotal),
		Upsell:          ups,
	}
}

func mapUpsell(u pricing.Upsell) UpsellResponse {
	return UpsellResponse{
		Quantity:       u.Quantity,
		UnitPrice:      money(u.UnitPrice),
		TotalPrice:     money(u.TotalPrice),
		SavingsPercent: u.SavingsPercent,
	}
}

func mapOrderToResponse(o *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:                  o.ID,
		Gateway:             o.Gateway,
		GatewayOrderID:      o.GatewayOrderID,
		GatewayCaptureID:    o.GatewayCaptureID,
		Customer:            o.Customer,
		ShippingAddress:     o.ShippingAddress,
		ProductName:         o.ProductName,
		Quantity:            o.Quantity,
		Width:               o.Dimensions.Width,
		Height:              o.Dimensions.Height,
		Backing:             o.Backing,
		Color:               o.Color,
		DeliveryOption:      string(o.DeliveryOption),
		RushDate:            o.RushDate,
		Addons:              o.Addons,
		SpecialInstructions: o.SpecialInstructions,
		ArtworkURL:          o.ArtworkURL,
		PaymentMethod:       o.PaymentMethod,
		ResolvedSize:        o.ResolvedSize,
		UnitPrice:           money(o.UnitPrice),
		TotalPrice:          money(o.TotalPrice),
		AmountPaid:          money(o.AmountPaid),
		Status:              string(o.Status),
		PaymentStatus:       string(o.PaymentStatus),
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           o.UpdatedAt.Format(time.RFC3339),
	}
	if resp.Addons == nil {
		resp.Addons = []string{}
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	return resp
}
