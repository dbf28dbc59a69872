// Package postgres implements the order and conversation repositories on
// Postgres. Read-modify-write paths lock the row with SELECT ... FOR UPDATE
// inside a retried transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/database"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/pkg/models"
)

const orderColumns = `id, customer_name, customer_email, customer_phone, shipping_address,
	items, total_amount, estimated_amount, has_custom_items, status, notes, created_at, updated_at`

type OrderStore struct {
	db   *sql.DB
	opts database.TxOptions
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, opts: database.DefaultTxOptions()}
}

func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "encode line items")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID,
		order.Customer.Name,
		order.Customer.Email,
		order.Customer.Phone,
		order.Customer.ShippingAddress,
		items,
		nullDecimal(order.TotalAmount),
		estimate(order.EstimatedAmount),
		order.HasCustomItems,
		order.Status,
		order.Notes,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return storeError("create order", err)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orderNotFound(id)
		}
		return nil, storeError("get order", err)
	}
	return order, nil
}

// Update locks the order row, applies mutate and writes the result back in
// one transaction. An error from mutate rolls back and is returned as is.
func (s *OrderStore) Update(ctx context.Context, id string, mutate func(*models.Order) error) (*models.Order, error) {
	var updated *models.Order

	err := database.WithRetry(ctx, s.db, s.opts, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
		order, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return orderNotFound(id)
			}
			return fmt.Errorf("lock order %s: %w", id, err)
		}

		if err := mutate(order); err != nil {
			return err
		}

		items, err := json.Marshal(order.Items)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "encode line items")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET customer_name = $2, customer_email = $3, customer_phone = $4, shipping_address = $5,
			     items = $6, total_amount = $7, estimated_amount = $8, has_custom_items = $9,
			     status = $10, notes = $11, updated_at = $12
			 WHERE id = $1`,
			order.ID,
			order.Customer.Name,
			order.Customer.Email,
			order.Customer.Phone,
			order.Customer.ShippingAddress,
			items,
			nullDecimal(order.TotalAmount),
			estimate(order.EstimatedAmount),
			order.HasCustomItems,
			order.Status,
			order.Notes,
			order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update order %s: %w", id, err)
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, storeError("update order", err)
	}
	return updated, nil
}

func (s *OrderStore) List(ctx context.Context, filter orders.ListFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list orders", err)
	}
	defer rows.Close()

	out := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storeError("scan order", err)
		}
		out = append(out, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list orders", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		order models.Order
		items []byte
		total decimal.NullDecimal
		est   decimal.Decimal
	)
	err := row.Scan(
		&order.ID,
		&order.Customer.Name,
		&order.Customer.Email,
		&order.Customer.Phone,
		&order.Customer.ShippingAddress,
		&items,
		&total,
		&est,
		&order.HasCustomItems,
		&order.Status,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode line items of order %s: %w", order.ID, err)
	}
	if total.Valid {
		order.TotalAmount = &total.Decimal
	}
	order.EstimatedAmount = &est
	return &order, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func estimate(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func orderNotFound(id string) error {
	return apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", id)
}

// storeError passes typed errors through and classifies driver errors.
func storeError(op string, err error) error {
	if apperrors.As(err) != nil {
		return err
	}
	if database.IsRetryable(err) {
		return apperrors.Transient(err, op)
	}
	if database.ClassifyError(err) == database.ErrorClassDataException {
		return apperrors.Wrap(apperrors.CodeValidation, err, "value rejected by store")
	}
	return apperrors.Wrap(apperrors.CodeInternal, err, op)
}
