package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the position of an Order in its payment lifecycle.
type Status string

const (
	StatusPendingCheckout Status = "PENDING_CHECKOUT"
	StatusPaymentApproved Status = "PAYMENT_APPROVED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusPaymentFailed   Status = "PAYMENT_FAILED"
)

// PaymentStatus is the customer-facing payment summary kept alongside Status.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentApproved PaymentStatus = "approved"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
)

// predecessors lists, for each target, every state allowed to move into it.
// A state absent from the list is either the target itself or beyond it.
var predecessors = map[Status][]Status{
	StatusPaymentApproved: {StatusPendingCheckout},
	StatusConfirmed:       {StatusPendingCheckout, StatusPaymentApproved},
	StatusPaymentFailed:   {StatusPendingCheckout, StatusPaymentApproved},
}

// Predecessors returns the states from which target may be entered.
func Predecessors(target Status) []Status {
	return append([]Status(nil), predecessors[target]...)
}

// Precedes reports whether an Order in state s may transition to target.
func (s Status) Precedes(target Status) bool {
	for _, p := range predecessors[target] {
		if p == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusPaymentFailed
}

// PaymentStatus derives the payment summary for a lifecycle state.
func (s Status) PaymentStatus() PaymentStatus {
	switch s {
	case StatusPaymentApproved:
		return PaymentApproved
	case StatusConfirmed:
		return PaymentPaid
	case StatusPaymentFailed:
		return PaymentFailed
	default:
		return PaymentUnpaid
	}
}

// DeliveryOption is the production speed chosen by the customer.
type DeliveryOption string

const (
	DeliveryRush     DeliveryOption = "rush"
	DeliveryStandard DeliveryOption = "standard"
	DeliveryEconomy  DeliveryOption = "economy"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Order is created once per checkout attempt. After creation it is mutated
// only by webhook reconciliation and never leaves a terminal state.
type Order struct {
	ID               string
	GatewayOrderID   string
	GatewayCaptureID string
	Gateway          string

	Customer            Customer
	ShippingAddress     Address
	ProductName         string
	Quantity            int
	Dimensions          Dimensions
	Backing             string
	Color               string
	DeliveryOption      DeliveryOption
	RushDate            string
	Addons              []string
	SpecialInstructions string
	ArtworkURL          string
	PaymentMethod       string

	ResolvedSize  int
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
	AmountPaid    decimal.Decimal
	Status        Status
	PaymentStatus PaymentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
	PaidAt    *time.Time
}

// Transition describes one compare-and-transition write: move the Order
// identified by GatewayOrderID to Target if its stored status is one of
// Predecessors(Target).
type Transition struct {
	GatewayOrderID string
	Target         Status
	// Set only for CONFIRMED.
	AmountPaid decimal.Decimal
	CaptureID  string
	PaidAt     *time.Time
	At         time.Time
}
