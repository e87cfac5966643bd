// Package postgres provides a PostgreSQL-backed ports.OrderStore for
// deployments that run more than one storefront replica.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const selectColumns = `id, gateway, COALESCE(gateway_order_id, ''), gateway_capture_id,
	customer_name, customer_email, customer_phone, shipping_address::text,
	product_name, quantity, width, height, backing, color, delivery_option, rush_date,
	addons::text, special_instructions, artwork_url, payment_method,
	resolved_size, unit_price::text, total_price::text, amount_paid::text, status, payment_status,
	created_at, updated_at, paid_at`

// Repository is the PostgreSQL implementation of ports.OrderStore.
type Repository struct {
	db *sql.DB
}

var _ ports.OrderStore = (*Repository)(nil)

// Open connects through the pgx stdlib driver and creates the schema.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	r := &Repository{db: db}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := r.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
            id                   TEXT PRIMARY KEY,
            gateway              TEXT NOT NULL DEFAULT '',
            gateway_order_id     TEXT UNIQUE,
            gateway_capture_id   TEXT NOT NULL DEFAULT '',
            customer_name        TEXT NOT NULL,
            customer_email       TEXT NOT NULL,
            customer_phone       TEXT NOT NULL DEFAULT '',
            shipping_address     JSONB NOT NULL,
            product_name         TEXT NOT NULL,
            quantity             INTEGER NOT NULL CHECK (quantity >= 1),
            width                DOUBLE PRECISION NOT NULL,
            height               DOUBLE PRECISION NOT NULL,
            backing              TEXT NOT NULL DEFAULT '',
            color                TEXT NOT NULL DEFAULT '',
            delivery_option      TEXT NOT NULL,
            rush_date            TEXT NOT NULL DEFAULT '',
            addons               JSONB NOT NULL DEFAULT '[]',
            special_instructions TEXT NOT NULL DEFAULT '',
            artwork_url          TEXT NOT NULL DEFAULT '',
            payment_method       TEXT NOT NULL DEFAULT '',
            resolved_size        INTEGER NOT NULL,
            unit_price           NUMERIC(12,2) NOT NULL,
            total_price          NUMERIC(12,2) NOT NULL,
            amount_paid          NUMERIC(12,2) NOT NULL DEFAULT 0,
            status               TEXT NOT NULL,
            payment_status       TEXT NOT NULL,
            created_at           TIMESTAMPTZ NOT NULL,
            updated_at           TIMESTAMPTZ NOT NULL,
            paid_at              TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Insert(ctx context.Context, o *entity.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("postgres: encode address: %w", err)
	}
	addons := o.Addons
	if addons == nil {
		addons = []string{}
	}
	addonsJSON, err := json.Marshal(addons)
	if err != nil {
		return fmt.Errorf("postgres: encode addons: %w", err)
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
            ($1, $2, NULL, '', $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14,
             $15::jsonb, $16, $17, $18, $19, $20::numeric, $21::numeric, $22::numeric, $23, $24, $25, $26, NULL)`

	_, err = r.db.ExecContext(ctx, q,
		o.ID, o.Gateway,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone, string(addr),
		o.ProductName, o.Quantity, o.Dimensions.Width, o.Dimensions.Height,
		o.Backing, o.Color, string(o.DeliveryOption), o.RushDate,
		string(addonsJSON), o.SpecialInstructions, o.ArtworkURL, o.PaymentMethod,
		o.ResolvedSize, o.UnitPrice.StringFixed(2), o.TotalPrice.StringFixed(2), o.AmountPaid.StringFixed(2),
		string(o.Status), string(o.PaymentStatus),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert order %q: %w", o.ID, err)
	}
	return nil
}

func (r *Repository) AttachGatewayOrder(ctx context.Context, orderID, gateway, gatewayOrderID string) error {
	const q = `
        UPDATE orders
        SET    gateway = $1, gateway_order_id = $2, updated_at = $3
        WHERE  id = $4 AND gateway_order_id IS NULL`

	res, err := r.db.ExecContext(ctx, q, gateway, gatewayOrderID, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("postgres: attach gateway order to %q: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: attach gateway order to %q: %w", orderID, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, orderID); err != nil {
		return err
	}
	return fmt.Errorf("postgres: order %q already has a gateway session: %w", orderID, errs.ErrConflict)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row, id)
}

func (r *Repository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*entity.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM orders WHERE gateway_order_id = $1`, gatewayOrderID)
	return scanOrder(row, gatewayOrderID)
}

// ApplyTransition is a single guarded UPDATE; under READ COMMITTED the
// second of two racing writers re-evaluates the WHERE clause after the first
// commits and matches nothing.
func (r *Repository) ApplyTransition(ctx context.Context, t entity.Transition) (bool, error) {
	preds := entity.Predecessors(t.Target)
	if len(preds) == 0 {
		return false, nil
	}

	args := []any{string(t.Target), string(t.Target.PaymentStatus()), t.At.UTC()}
	set := []string{"status = $1", "payment_status = $2", "updated_at = $3"}
	if t.Target == entity.StatusConfirmed {
		var paidAt any
		if t.PaidAt != nil {
			paidAt = t.PaidAt.UTC()
		}
		args = append(args, t.AmountPaid.StringFixed(2), t.CaptureID, paidAt)
		set = append(set, "amount_paid = $4::numeric", "gateway_capture_id = $5", "paid_at = $6")
	}

	args = append(args, t.GatewayOrderID)
	where := fmt.Sprintf("gateway_order_id = $%d", len(args))
	in := make([]string, 0, len(preds))
	for _, p := range preds {
		args = append(args, string(p))
		in = append(in, fmt.Sprintf("$%d", len(args)))
	}

	q := fmt.Sprintf(`UPDATE orders SET %s WHERE %s AND status IN (%s)`,
		strings.Join(set, ", "), where, strings.Join(in, ", "))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: transition %q to %s: %w", t.GatewayOrderID, t.Target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: transition %q to %s: %w", t.GatewayOrderID, t.Target, err)
	}
	return n == 1, nil
}

func scanOrder(row *sql.Row, key string) (*entity.Order, error) {
	var (
		o                               entity.Order
		addr, addons                    string
		unit, total, paid               string
		delivery, status, paymentStatus string
		paidAt                          sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.Gateway, &o.GatewayOrderID, &o.GatewayCaptureID,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone, &addr,
		&o.ProductName, &o.Quantity, &o.Dimensions.Width, &o.Dimensions.Height,
		&o.Backing, &o.Color, &delivery, &o.RushDate,
		&addons, &o.SpecialInstructions, &o.ArtworkURL, &o.PaymentMethod,
		&o.ResolvedSize, &unit, &total, &paid, &status, &paymentStatus,
		&o.CreatedAt, &o.UpdatedAt, &paidAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: order %q: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order %q: %w", key, err)
	}

	o.DeliveryOption = entity.DeliveryOption(delivery)
	o.Status = entity.Status(status)
	o.PaymentStatus = entity.PaymentStatus(paymentStatus)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		o.PaidAt = &t
	}

	if err := json.Unmarshal([]byte(addr), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("postgres: decode address of %q: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(addons), &o.Addons); err != nil {
		return nil, fmt.Errorf("postgres: decode addons of %q: %w", o.ID, err)
	}
	for _, m := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.UnitPrice, unit}, {&o.TotalPrice, total}, {&o.AmountPaid, paid}} {
		if *m.dst, err = decimal.NewFromString(m.src); err != nil {
			return nil, fmt.Errorf("postgres: decode money of %q: %w", o.ID, err)
		}
	}
	return &o, nil
}
