package checkout

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

//go:embed schema.json
var schemaJSON []byte

var requestSchema = mustSchema(schemaJSON)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic("checkout: invalid request schema: " + err.Error())
	}
	return s
}

const rushDateLayout = "2006-01-02"

// PaymentMethod is the closed set of methods a customer may pick.
type PaymentMethod string

const (
	MethodCard     PaymentMethod = "card"
	MethodCashApp  PaymentMethod = "cashapp"
	MethodAfterpay PaymentMethod = "afterpay"
	MethodApplePay PaymentMethod = "applepay"
	MethodKlarna   PaymentMethod = "klarna"
	MethodPayPal   PaymentMethod = "paypal"
)

// Gateway names the provider that serves a method.
func (m PaymentMethod) Gateway() string {
	if m == MethodPayPal {
		return GatewayPayPal
	}
	return GatewayStripe
}

const (
	GatewayStripe = "stripe"
	GatewayPayPal = "paypal"
)

// Request is the checkout body. Price is decoded so that it can be logged,
// but it never reaches pricing or persistence.
type Request struct {
	ProductName         string                `json:"productName"`
	Price               json.RawMessage       `json:"price,omitempty"`
	Quantity            int                   `json:"quantity"`
	Width               float64               `json:"width"`
	Height              float64               `json:"height"`
	Backing             string                `json:"backing"`
	Color               string                `json:"color"`
	Customer            entity.Customer       `json:"customer"`
	ShippingAddress     entity.Address        `json:"shippingAddress"`
	DeliveryOption      entity.DeliveryOption `json:"deliveryOption"`
	RushDate            string                `json:"rushDate"`
	ArtworkURL          string                `json:"artworkUrl"`
	Addons              []string              `json:"addons"`
	SpecialInstructions string                `json:"specialInstructions"`
	PaymentMethod       PaymentMethod         `json:"paymentMethod"`
}

// ParseRequest validates body against the checkout schema and the rules the
// schema cannot express, then decodes it. Every offending field is reported.
// requireMethod is false on routes where the gateway is fixed.
func ParseRequest(body []byte, requireMethod bool) (*Request, error) {
	verr := &errs.ValidationError{}

	result, err := requestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		verr.Add("body", "must be a JSON object")
		return nil, verr
	}
	for _, e := range result.Errors() {
		verr.Add(schemaField(e), e.Description())
	}
	if err := verr.OrNil(); err != nil {
		sortFields(verr)
		return nil, err
	}

	var req Request
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		var terr *json.UnmarshalTypeError
		if errors.As(err, &terr) && terr.Field != "" {
			verr.Add(terr.Field, typeMessage(terr.Type))
		} else {
			verr.Add("body", "must be a JSON object")
		}
		return nil, verr
	}

	req.trim()
	if strings.TrimSpace(req.ProductName) == "" {
		verr.Add("productName", "must not be blank")
	}
	if requireMethod && req.PaymentMethod == "" {
		verr.Add("paymentMethod", "paymentMethod is required")
	}
	switch {
	case req.DeliveryOption == entity.DeliveryRush && req.RushDate == "":
		verr.Add("rushDate", "rushDate is required for rush delivery")
	case req.DeliveryOption == entity.DeliveryRush:
		if _, err := time.Parse(rushDateLayout, req.RushDate); err != nil {
			verr.Add("rushDate", "must be a date in YYYY-MM-DD format")
		}
	default:
		req.RushDate = ""
	}
	if req.ArtworkURL != "" {
		u, err := url.Parse(req.ArtworkURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			verr.Add("artworkUrl", "must be an absolute http(s) URL")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return &req, nil
}

// typeMessage explains a value the schema accepted but the field's Go type
// cannot hold, such as 1.0 for a count.
func typeMessage(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "must be a whole number without a decimal point"
	case reflect.Float32, reflect.Float64:
		return "must be a number"
	case reflect.String:
		return "must be a string"
	default:
		return "has the wrong type"
	}
}

func (r *Request) trim() {
	r.ProductName = strings.TrimSpace(r.ProductName)
	r.RushDate = strings.TrimSpace(r.RushDate)
	r.ArtworkURL = strings.TrimSpace(r.ArtworkURL)
	r.Customer.Email = strings.TrimSpace(r.Customer.Email)
}

// schemaField turns a gojsonschema error location into the dotted field path
// clients see, e.g. "customer.email".
func schemaField(e gojsonschema.ResultError) string {
	field := e.Field()
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY {
		field = ""
	}
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok && !strings.HasSuffix(field, prop) {
			if field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	if field == "" {
		return "body"
	}
	return field
}

func sortFields(verr *errs.ValidationError) {
	sort.SliceStable(verr.Fields, func(i, j int) bool {
		return verr.Fields[i].Field < verr.Fields[j].Field
	})
}
