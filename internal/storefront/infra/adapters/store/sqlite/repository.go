// Package sqlite provides a SQLite-backed ports.OrderStore.
//
// It is the default store: a single file, no external process, WAL mode so
// webhook writers and checkout writers queue on one connection while reads
// proceed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id                    TEXT PRIMARY KEY,
    gateway               TEXT NOT NULL DEFAULT '',
    -- Stripe session id or PayPal order id; NULL until the session exists.
    gateway_order_id      TEXT UNIQUE,
    gateway_capture_id    TEXT NOT NULL DEFAULT '',
    customer_name         TEXT NOT NULL,
    customer_email        TEXT NOT NULL,
    customer_phone        TEXT NOT NULL DEFAULT '',
    shipping_address      TEXT NOT NULL,
    product_name          TEXT NOT NULL,
    quantity              INTEGER NOT NULL CHECK (quantity >= 1),
    width                 REAL NOT NULL,
    height                REAL NOT NULL,
    backing               TEXT NOT NULL DEFAULT '',
    color                 TEXT NOT NULL DEFAULT '',
    delivery_option       TEXT NOT NULL,
    rush_date             TEXT NOT NULL DEFAULT '',
    addons                TEXT NOT NULL DEFAULT '[]',
    special_instructions  TEXT NOT NULL DEFAULT '',
    artwork_url           TEXT NOT NULL DEFAULT '',
    payment_method        TEXT NOT NULL DEFAULT '',
    resolved_size         INTEGER NOT NULL,
    -- Money is kept as decimal strings to avoid float rounding.
    unit_price            TEXT NOT NULL,
    total_price           TEXT NOT NULL,
    amount_paid           TEXT NOT NULL DEFAULT '0',
    status                TEXT NOT NULL,
    payment_status        TEXT NOT NULL,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL,
    paid_at               TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);
`

const columns = `id, gateway, COALESCE(gateway_order_id, ''), gateway_capture_id,
	customer_name, customer_email, customer_phone, shipping_address,
	product_name, quantity, width, height, backing, color, delivery_option, rush_date,
	addons, special_instructions, artwork_url, payment_method,
	resolved_size, unit_price, total_price, amount_paid, status, payment_status,
	created_at, updated_at, paid_at`

// Repository is the SQLite implementation of ports.OrderStore.
type Repository struct {
	db *sql.DB
}

var _ ports.OrderStore = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite performs best with a single writer connection; it also makes the
	// guarded UPDATEs below strictly serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Insert stores a new order. The gateway id is always NULL at this point.
func (r *Repository) Insert(ctx context.Context, o *entity.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("sqlite: encode address: %w", err)
	}
	addons, err := json.Marshal(nonNil(o.Addons))
	if err != nil {
		return fmt.Errorf("sqlite: encode addons: %w", err)
	}

	const q = `
		INSERT INTO orders
			(id, gateway, gateway_order_id, gateway_capture_id,
			 customer_name, customer_email, customer_phone, shipping_address,
			 product_name, quantity, width, height, backing, color, delivery_option, rush_date,
			 addons, special_instructions, artwork_url, payment_method,
			 resolved_size, unit_price, total_price, amount_paid, status, payment_status,
			 created_at, updated_at, paid_at)
		VALUES
			(?, ?, NULL, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`

	_, err = r.db.ExecContext(ctx, q,
		o.ID, o.Gateway,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone, string(addr),
		o.ProductName, o.Quantity, o.Dimensions.Width, o.Dimensions.Height,
		o.Backing, o.Color, string(o.DeliveryOption), o.RushDate,
		string(addons), o.SpecialInstructions, o.ArtworkURL, o.PaymentMethod,
		o.ResolvedSize, o.UnitPrice.StringFixed(2), o.TotalPrice.StringFixed(2), o.AmountPaid.StringFixed(2),
		string(o.Status), string(o.PaymentStatus),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert order %q: %w", o.ID, err)
	}
	return nil
}

func (r *Repository) AttachGatewayOrder(ctx context.Context, orderID, gateway, gatewayOrderID string) error {
	const q = `
		UPDATE orders
		SET    gateway = ?, gateway_order_id = ?, updated_at = ?
		WHERE  id = ? AND gateway_order_id IS NULL`

	res, err := r.db.ExecContext(ctx, q, gateway, gatewayOrderID, formatTime(nowUTC()), orderID)
	if err != nil {
		return fmt.Errorf("sqlite: attach gateway order to %q: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: attach gateway order to %q: %w", orderID, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, orderID); err != nil {
		return err
	}
	return fmt.Errorf("sqlite: order %q already has a gateway session: %w", orderID, errs.ErrConflict)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row, id)
}

func (r *Repository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*entity.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM orders WHERE gateway_order_id = ?`, gatewayOrderID)
	return scanOrder(row, gatewayOrderID)
}

// ApplyTransition moves the order only if its stored status is one of the
// target's predecessors. The WHERE clause is the guard, so two concurrent
// deliveries of the same event cannot both apply.
func (r *Repository) ApplyTransition(ctx context.Context, t entity.Transition) (bool, error) {
	preds := entity.Predecessors(t.Target)
	if len(preds) == 0 {
		return false, nil
	}

	set := []string{"status = ?", "payment_status = ?", "updated_at = ?"}
	args := []any{string(t.Target), string(t.Target.PaymentStatus()), formatTime(t.At)}
	if t.Target == entity.StatusConfirmed {
		set = append(set, "amount_paid = ?", "gateway_capture_id = ?", "paid_at = ?")
		args = append(args, t.AmountPaid.StringFixed(2), t.CaptureID, formatNullableTime(t.PaidAt))
	}

	args = append(args, t.GatewayOrderID)
	for _, p := range preds {
		args = append(args, string(p))
	}
	q := fmt.Sprintf(`UPDATE orders SET %s WHERE gateway_order_id = ? AND status IN (%s)`,
		strings.Join(set, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(preds)), ", "),
	)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite: transition %q to %s: %w", t.GatewayOrderID, t.Target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: transition %q to %s: %w", t.GatewayOrderID, t.Target, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, key string) (*entity.Order, error) {
	var (
		o                               entity.Order
		addr, addons                    string
		unit, total, paid               string
		createdAt, updatedAt            string
		paidAt                          sql.NullString
		delivery, status, paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.Gateway, &o.GatewayOrderID, &o.GatewayCaptureID,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone, &addr,
		&o.ProductName, &o.Quantity, &o.Dimensions.Width, &o.Dimensions.Height,
		&o.Backing, &o.Color, &delivery, &o.RushDate,
		&addons, &o.SpecialInstructions, &o.ArtworkURL, &o.PaymentMethod,
		&o.ResolvedSize, &unit, &total, &paid, &status, &paymentStatus,
		&createdAt, &updatedAt, &paidAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: order %q: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan order %q: %w", key, err)
	}

	o.DeliveryOption = entity.DeliveryOption(delivery)
	o.Status = entity.Status(status)
	o.PaymentStatus = entity.PaymentStatus(paymentStatus)

	if err := json.Unmarshal([]byte(addr), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("sqlite: decode address of %q: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(addons), &o.Addons); err != nil {
		return nil, fmt.Errorf("sqlite: decode addons of %q: %w", o.ID, err)
	}
	if o.UnitPrice, err = decimal.NewFromString(unit); err != nil {
		return nil, fmt.Errorf("sqlite: decode unit price of %q: %w", o.ID, err)
	}
	if o.TotalPrice, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sqlite: decode total price of %q: %w", o.ID, err)
	}
	if o.AmountPaid, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("sqlite: decode amount paid of %q: %w", o.ID, err)
	}
	if o.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	if o.PaidAt, err = parseNullableTime(paidAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
