package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/reconcile"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, barcode, COALESCE(category, ''), cost_cents, price_cents,
			wholesale_price_cents, stock, min_stock
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.CostCents, &p.PriceCents,
			&p.WholesalePriceCents, &p.Stock, &p.MinStock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, barcode, category, cost_cents, price_cents, wholesale_price_cents, stock, min_stock)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, product.Name, product.Barcode, nullIfEmpty(product.Category), product.CostCents, product.PriceCents,
		product.WholesalePriceCents, product.Stock, product.MinStock).Scan(&product.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode %s: %w", product.Barcode, store.ErrConflict)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE barcode = $1)`, barcode).Scan(&exists)
	return exists, err
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_at
		FROM suppliers
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var supplier domain.Supplier
		if err := rows.Scan(&supplier.ID, &supplier.Name, &supplier.Phone, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		supplier.CreatedAt = supplier.CreatedAt.UTC()
		suppliers = append(suppliers, supplier)
	}
	return suppliers, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO suppliers (name, phone, created_at)
		VALUES ($1,$2,$3)
		RETURNING id
	`, supplier.Name, nullIfEmpty(supplier.Phone), supplier.CreatedAt).Scan(&supplier.ID)
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.description, e.amount_cents, COALESCE(e.category, ''),
			to_char(e.expense_date, 'YYYY-MM-DD'), e.user_id, u.username, e.created_at
		FROM expenses e
		JOIN users u ON u.id = e.user_id
		ORDER BY e.expense_date DESC, e.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, limit)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.Description, &e.AmountCents, &e.Category, &e.ExpenseDate,
			&e.UserID, &e.Username, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO expenses (description, amount_cents, category, expense_date, user_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id, user_id
		)
		SELECT inserted.id, u.username
		FROM inserted
		JOIN users u ON u.id = inserted.user_id
	`, expense.Description, expense.AmountCents, nullIfEmpty(expense.Category), expense.ExpenseDate,
		expense.UserID, expense.CreatedAt).Scan(&expense.ID, &expense.Username)
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			user_id, customer_id, type, status, total_cents, discount_cents,
			final_total_cents, notes, is_delivery, timestamp
		)
		VALUES ($1,$2,'sale',$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, sale.UserID, nullIfZero(sale.CustomerID), sale.Status, sale.TotalCents, sale.DiscountCents,
		sale.FinalTotalCents, nullIfEmpty(sale.Notes), sale.IsDelivery, sale.Timestamp).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.SaleLine, 0, len(sale.Items))
	for _, line := range sale.Items {
		if line.ProductID <= 0 {
			line.ProductID = 0
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO transaction_items (transaction_id, product_id, item_name, quantity, price_cents)
				VALUES ($1, NULL, $2, $3, $4)
			`, sale.ID, line.Name, line.Quantity, line.PriceCents); err != nil {
				return nil, err
			}
			items = append(items, line)
			continue
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE products SET stock = stock - $1 WHERE id = $2
			RETURNING name
		`, line.Quantity, line.ProductID).Scan(&line.Name)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("product %d: %w", line.ProductID, store.ErrNotFound)
			}
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, item_name, quantity, price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, line.ProductID, line.Name, line.Quantity, line.PriceCents); err != nil {
			return nil, err
		}
		items = append(items, line)
	}
	sale.Items = items

	for _, p := range sale.Payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_payment_methods (transaction_id, payment_method, amount_cents)
			VALUES ($1,$2,$3)
		`, sale.ID, p.Method, p.AmountCents); err != nil {
			return nil, err
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = $1`, sale.UserID).Scan(&sale.Username); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, COALESCE(u.username, ''), t.customer_id, t.status, t.total_cents,
			t.discount_cents, t.final_total_cents, COALESCE(t.notes, ''), t.is_delivery, t.timestamp
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.id = $1 AND t.type = 'sale'
	`, id).Scan(&sale.ID, &sale.UserID, &sale.Username, &customerID, &sale.Status, &sale.TotalCents,
		&sale.DiscountCents, &sale.FinalTotalCents, &sale.Notes, &sale.IsDelivery, &sale.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %d: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	sale.CustomerID = customerID.Int64

	if err := s.loadSaleLines(ctx, &sale); err != nil {
		return nil, err
	}

	returnRows, err := s.db.QueryContext(ctx, `
		SELECT id, original_transaction_id, user_id, total_amount_cents, COALESCE(notes, ''), timestamp
		FROM returns
		WHERE original_transaction_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer returnRows.Close()
	for returnRows.Next() {
		var ret domain.Return
		if err := returnRows.Scan(&ret.ID, &ret.OriginalTransactionID, &ret.UserID, &ret.TotalCents, &ret.Notes, &ret.Timestamp); err != nil {
			return nil, err
		}
		sale.Returns = append(sale.Returns, ret)
	}
	if err := returnRows.Err(); err != nil {
		return nil, err
	}

	for i := range sale.Returns {
		if err := s.loadReturnDetail(ctx, &sale.Returns[i]); err != nil {
			return nil, err
		}
	}
	return &sale, nil
}

// loadSaleLines fills the items and payments of a sale header.
func (s *Store) loadSaleLines(ctx context.Context, sale *domain.Sale) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(ti.product_id, 0), COALESCE(p.name, ti.item_name, ''), ti.quantity, ti.price_cents
		FROM transaction_items ti
		LEFT JOIN products p ON p.id = ti.product_id
		WHERE ti.transaction_id = $1
		ORDER BY ti.id
	`, sale.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	sale.Items = make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.PriceCents); err != nil {
			return err
		}
		sale.Items = append(sale.Items, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sale.Payments, err = s.loadPayments(ctx, `
		SELECT payment_method, amount_cents
		FROM transaction_payment_methods
		WHERE transaction_id = $1
		ORDER BY id
	`, sale.ID)
	return err
}

func (s *Store) loadReturnDetail(ctx context.Context, ret *domain.Return) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(product_id, 0), quantity, price_at_return_cents
		FROM return_items
		WHERE return_id = $1
		ORDER BY id
	`, ret.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	ret.Items = make([]domain.ReturnLine, 0, 4)
	for rows.Next() {
		var line domain.ReturnLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.PriceCents); err != nil {
			return err
		}
		ret.Items = append(ret.Items, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	ret.Payments, err = s.loadPayments(ctx, `
		SELECT payment_method, amount_cents
		FROM return_payment_methods
		WHERE return_id = $1
		ORDER BY id
	`, ret.ID)
	return err
}

func (s *Store) loadPayments(ctx context.Context, query string, id int64) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.Method, &p.AmountCents); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) ListPendingSales(ctx context.Context) ([]domain.PendingSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(u.username, ''), COALESCE(t.customer_id, 0), t.final_total_cents,
			to_char(to_timestamp(t.timestamp / 1000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD')
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.type = 'sale' AND t.status = 'pending'
		ORDER BY t.timestamp DESC, t.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make([]domain.PendingSale, 0, 16)
	for rows.Next() {
		var p domain.PendingSale
		if err := rows.Scan(&p.ID, &p.Seller, &p.CustomerID, &p.FinalTotalCents, &p.Date); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Store) ClosePendingSales(ctx context.Context, ids []int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'closed'
		WHERE id = ANY($1) AND type = 'sale' AND status = 'pending'
	`, ids)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("pending sales: %w", store.ErrNotFound)
	}
	return int(affected), nil
}

func (s *Store) RecordReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1 AND type = 'sale')
	`, ret.OriginalTransactionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("transaction %d: %w", ret.OriginalTransactionID, store.ErrNotFound)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO returns (original_transaction_id, user_id, total_amount_cents, notes, timestamp)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, ret.OriginalTransactionID, ret.UserID, ret.TotalCents, nullIfEmpty(ret.Notes), ret.Timestamp).Scan(&ret.ID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.ReturnLine, 0, len(ret.Items))
	for _, line := range ret.Items {
		// Unknown product ids are kept as manual lines with no product link.
		var productID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO return_items (return_id, product_id, quantity, price_at_return_cents)
			VALUES ($1, (SELECT id FROM products WHERE id = $2), $3, $4)
			RETURNING COALESCE(product_id, 0)
		`, ret.ID, line.ProductID, line.Quantity, line.PriceCents).Scan(&productID)
		if err != nil {
			return nil, err
		}
		line.ProductID = productID
		if productID > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE products SET stock = stock + $1 WHERE id = $2`, line.Quantity, productID); err != nil {
				return nil, err
			}
		}
		items = append(items, line)
	}
	ret.Items = items

	for _, p := range ret.Payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO return_payment_methods (return_id, payment_method, amount_cents)
			VALUES ($1,$2,$3)
		`, ret.ID, p.Method, p.AmountCents); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) RecordPurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1)`, purchase.SupplierID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("supplier %d: %w", purchase.SupplierID, store.ErrNotFound)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO purchases (supplier_id, user_id, total_amount_cents, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, purchase.SupplierID, purchase.UserID, purchase.TotalAmountCents, purchase.CreatedAt).Scan(&purchase.ID)
	if err != nil {
		return nil, err
	}

	for _, line := range purchase.Items {
		res, err := tx.ExecContext(ctx, `UPDATE products SET stock = stock + $1 WHERE id = $2`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if affected == 0 {
			return nil, fmt.Errorf("product %d: %w", line.ProductID, store.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_items (purchase_id, product_id, quantity, cost_price_cents)
			VALUES ($1,$2,$3,$4)
		`, purchase.ID, line.ProductID, line.Quantity, line.CostPriceCents); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &purchase, nil
}

const purchaseSummarySelect = `
	SELECT p.id, p.supplier_id, COALESCE(s.name, ''), p.user_id, COALESCE(u.username, ''),
		p.total_amount_cents, p.created_at
	FROM purchases p
	LEFT JOIN suppliers s ON s.id = p.supplier_id
	LEFT JOIN users u ON u.id = p.user_id
`

func scanPurchaseSummary(row rowScanner) (domain.PurchaseSummary, error) {
	var p domain.PurchaseSummary
	if err := row.Scan(&p.ID, &p.SupplierID, &p.SupplierName, &p.UserID, &p.Username, &p.TotalAmountCents, &p.CreatedAt); err != nil {
		return domain.PurchaseSummary{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) SearchPurchases(ctx context.Context, search domain.PurchaseSearch) ([]domain.PurchaseSummary, error) {
	limit := search.Limit
	if limit < 1 {
		limit = 100
	}

	query := purchaseSummarySelect
	args := make([]any, 0, 2)
	if search.Term != "" {
		like := "%" + search.Term + "%"
		switch search.Field {
		case domain.PurchaseSearchInvoice:
			id, err := strconv.ParseInt(search.Term, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invoice id must be numeric", store.ErrValidation)
			}
			query += ` WHERE p.id = $1`
			args = append(args, id)
		case domain.PurchaseSearchSupplier:
			query += ` WHERE s.name ILIKE $1`
			args = append(args, like)
		case domain.PurchaseSearchProduct:
			query += ` WHERE EXISTS (
				SELECT 1 FROM purchase_items pi JOIN products pr ON pr.id = pi.product_id
				WHERE pi.purchase_id = p.id AND pr.name ILIKE $1)`
			args = append(args, like)
		case domain.PurchaseSearchBarcode:
			query += ` WHERE EXISTS (
				SELECT 1 FROM purchase_items pi JOIN products pr ON pr.id = pi.product_id
				WHERE pi.purchase_id = p.id AND pr.barcode ILIKE $1)`
			args = append(args, like)
		default:
			return nil, fmt.Errorf("%w: unknown purchase search field %q", store.ErrValidation, search.Field)
		}
	}
	query += fmt.Sprintf(` ORDER BY p.created_at DESC, p.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PurchaseSummary, 0, 16)
	for rows.Next() {
		p, err := scanPurchaseSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPurchase(ctx context.Context, id int64) (*domain.PurchaseDetail, error) {
	summary, err := scanPurchaseSummary(s.db.QueryRowContext(ctx, purchaseSummarySelect+` WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("purchase %d: %w", id, store.ErrNotFound)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pi.product_id, COALESCE(pr.name, ''), COALESCE(pr.barcode, ''), COALESCE(pr.price_cents, 0),
			pi.quantity, pi.cost_price_cents
		FROM purchase_items pi
		LEFT JOIN products pr ON pr.id = pi.product_id
		WHERE pi.purchase_id = $1
		ORDER BY pi.id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detail := &domain.PurchaseDetail{PurchaseSummary: summary, Items: make([]domain.PurchaseDetailLine, 0, 8)}
	for rows.Next() {
		var line domain.PurchaseDetailLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.Barcode, &line.RetailPriceCents, &line.Quantity, &line.CostPriceCents); err != nil {
			return nil, err
		}
		detail.Items = append(detail.Items, line)
	}
	return detail, rows.Err()
}

func (s *Store) SearchSales(ctx context.Context, search domain.SaleSearch) ([]domain.Sale, error) {
	limit := search.Limit
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT t.id, t.user_id, COALESCE(u.username, ''), COALESCE(t.customer_id, 0), t.status, t.total_cents,
			t.discount_cents, t.final_total_cents, COALESCE(t.notes, ''), t.is_delivery, t.timestamp
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.type = 'sale'`
	args := make([]any, 0, 3)
	if search.ID > 0 {
		query += ` AND t.id = $1`
		args = append(args, search.ID)
	} else {
		query += ` AND t.timestamp BETWEEN $1 AND $2`
		args = append(args, search.FromMillis, search.ToMillis)
	}
	query += fmt.Sprintf(` ORDER BY t.timestamp DESC, t.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 16)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.UserID, &sale.Username, &sale.CustomerID, &sale.Status, &sale.TotalCents,
			&sale.DiscountCents, &sale.FinalTotalCents, &sale.Notes, &sale.IsDelivery, &sale.Timestamp); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		if err := s.loadSaleLines(ctx, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) ListLedger(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT 'sale', t.id, t.final_total_cents, to_timestamp(t.timestamp / 1000.0),
			'Sale #' || t.id, ''
		FROM transactions t
		WHERE t.type = 'sale' AND t.status = 'closed'
		UNION ALL
		SELECT 'return', r.id, -r.total_amount_cents, to_timestamp(r.timestamp / 1000.0),
			'Return for sale #' || r.original_transaction_id, ''
		FROM returns r
		UNION ALL
		SELECT 'purchase', p.id, -p.total_amount_cents, p.created_at,
			'Purchase from ' || COALESCE(s.name, ''), COALESCE(s.name, '')
		FROM purchases p
		LEFT JOIN suppliers s ON s.id = p.supplier_id
		UNION ALL
		SELECT 'expense', e.id, -e.amount_cents, e.created_at, e.description, COALESCE(e.category, '')
		FROM expenses e
		ORDER BY 4 DESC, 2 DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.Type, &entry.ID, &entry.AmountCents, &entry.Date, &entry.Description, &entry.Party); err != nil {
			return nil, err
		}
		entry.Date = entry.Date.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) CloseShift(ctx context.Context, input domain.ShiftClose) (*domain.Shift, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var start int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(end_time), 0) FROM shifts`).Scan(&start); err != nil {
		return nil, err
	}
	end := reconcile.TimeToMillis(input.ClosedAt)
	if end < start {
		return nil, fmt.Errorf("shift ending before %d: %w", start, store.ErrConflict)
	}

	totals := domain.ShiftTotals{}
	totals.Sales, err = sumByMethod(ctx, tx, `
		SELECT tpm.payment_method, SUM(tpm.amount_cents)::BIGINT
		FROM transaction_payment_methods tpm
		JOIN transactions t ON t.id = tpm.transaction_id
		WHERE t.type = 'sale' AND t.status = 'closed'
			AND t.timestamp > $1 AND t.timestamp <= $2
		GROUP BY tpm.payment_method
	`, start, end)
	if err != nil {
		return nil, err
	}
	totals.Returns, err = sumByMethod(ctx, tx, `
		SELECT rpm.payment_method, SUM(rpm.amount_cents)::BIGINT
		FROM return_payment_methods rpm
		JOIN returns r ON r.id = rpm.return_id
		WHERE r.timestamp > $1 AND r.timestamp <= $2
		GROUP BY rpm.payment_method
	`, start, end)
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::BIGINT
		FROM expenses
		WHERE created_at > $1 AND created_at <= $2
	`, reconcile.MillisToTime(start), reconcile.MillisToTime(end)).Scan(&totals.ExpensesCents); err != nil {
		return nil, err
	}

	shift := reconcile.ReconcileShift(totals, reconcile.ActualCounts{
		CashCents: input.ActualCashCents,
		CardCents: input.ActualCardCents,
	})
	shift.UserID = input.UserID
	shift.StartTime = start
	shift.EndTime = end

	err = tx.QueryRowContext(ctx, `
		INSERT INTO shifts (
			user_id, start_time, end_time, expected_cash_cents, actual_cash_cents,
			expected_card_cents, actual_card_cents, expected_wallet_cents, expected_instapay_cents,
			expected_credit_cents, total_expenses_cents, variance_cents, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, shift.UserID, shift.StartTime, shift.EndTime, shift.ExpectedCashCents, shift.ActualCashCents,
		shift.ExpectedCardCents, shift.ActualCardCents, shift.ExpectedWalletCents, shift.ExpectedInstapayCents,
		shift.ExpectedCreditCents, shift.TotalExpensesCents, shift.VarianceCents, shift.Status).Scan(&shift.ID)
	if err != nil {
		if isUniqueViolation(err) || isSerializationFailure(err) {
			return nil, fmt.Errorf("shift starting at %d: %w", start, store.ErrConflict)
		}
		return nil, err
	}

	if err := tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = $1`, shift.UserID).Scan(&shift.Username); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, fmt.Errorf("shift starting at %d: %w", start, store.ErrConflict)
		}
		return nil, err
	}
	return &shift, nil
}

func sumByMethod(ctx context.Context, q querier, query string, args ...any) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]int64, len(domain.PaymentMethods))
	for rows.Next() {
		var method string
		var amount int64
		if err := rows.Scan(&method, &amount); err != nil {
			return nil, err
		}
		sums[method] = amount
	}
	return sums, rows.Err()
}

func (s *Store) ListShiftsEndingBetween(ctx context.Context, fromMillis int64, toMillis int64) ([]domain.Shift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sh.id, sh.user_id, COALESCE(u.username, ''), sh.start_time, sh.end_time,
			sh.expected_cash_cents, sh.actual_cash_cents, sh.expected_card_cents, sh.actual_card_cents,
			sh.expected_wallet_cents, sh.expected_instapay_cents, sh.expected_credit_cents,
			sh.total_expenses_cents, sh.variance_cents, sh.status
		FROM shifts sh
		LEFT JOIN users u ON u.id = sh.user_id
		WHERE sh.end_time BETWEEN $1 AND $2
		ORDER BY sh.end_time DESC
	`, fromMillis, toMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, 8)
	for rows.Next() {
		var sh domain.Shift
		if err := rows.Scan(&sh.ID, &sh.UserID, &sh.Username, &sh.StartTime, &sh.EndTime,
			&sh.ExpectedCashCents, &sh.ActualCashCents, &sh.ExpectedCardCents, &sh.ActualCardCents,
			&sh.ExpectedWalletCents, &sh.ExpectedInstapayCents, &sh.ExpectedCreditCents,
			&sh.TotalExpensesCents, &sh.VarianceCents, &sh.Status); err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

// scopeClause renders the product filter for a count scope. Placeholders
// start at $first.
func scopeClause(scope domain.CountScope, first int) (string, []any, error) {
	switch scope.Type {
	case domain.CountTypeAll:
		return "TRUE", nil, nil
	case domain.CountTypeCategory:
		return fmt.Sprintf("p.category = $%d", first), []any{scope.Scope}, nil
	case domain.CountTypeSupplier:
		supplierID, err := scope.SupplierID()
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		return fmt.Sprintf(`p.id IN (
			SELECT DISTINCT pi.product_id
			FROM purchase_items pi
			JOIN purchases pu ON pu.id = pi.purchase_id
			WHERE pu.supplier_id = $%d
		)`, first), []any{supplierID}, nil
	default:
		return "", nil, fmt.Errorf("count type %q: %w", scope.Type, store.ErrValidation)
	}
}

func (s *Store) StartInventoryCount(ctx context.Context, userID int64, scope domain.CountScope, at time.Time) (*domain.InventoryCount, error) {
	filter, filterArgs, err := scopeClause(scope, 2)
	if err != nil {
		return nil, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var countID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO inventory_counts (user_id, count_type, count_scope, status, created_at)
		VALUES ($1,$2,$3,'IN_PROGRESS',$4)
		RETURNING id
	`, userID, scope.Type, nullIfEmpty(scope.Scope), at).Scan(&countID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inventory count in progress: %w", store.ErrConflict)
		}
		return nil, err
	}

	// Expected quantities are read in the same statement that creates the items.
	args := append([]any{countID}, filterArgs...)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_count_items (inventory_count_id, product_id, expected_quantity)
		SELECT $1, p.id, p.stock
		FROM products p
		WHERE `+filter+`
		ORDER BY p.name, p.id
	`, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("products for %s scope: %w", scope.Type, store.ErrNotFound)
	}

	count, err := loadCount(ctx, tx, countID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return count, nil
}

func (s *Store) GetActiveInventoryCount(ctx context.Context) (*domain.InventoryCount, error) {
	var countID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM inventory_counts
		WHERE status = 'IN_PROGRESS'
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&countID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active inventory count: %w", store.ErrNotFound)
		}
		return nil, err
	}
	return loadCount(ctx, s.db, countID)
}

func loadCount(ctx context.Context, q querier, countID int64) (*domain.InventoryCount, error) {
	var count domain.InventoryCount
	var finalizedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, count_type, COALESCE(count_scope, ''), status, created_at, finalized_at
		FROM inventory_counts
		WHERE id = $1
	`, countID).Scan(&count.ID, &count.UserID, &count.CountType, &count.CountScope, &count.Status,
		&count.CreatedAt, &finalizedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inventory count %d: %w", countID, store.ErrNotFound)
		}
		return nil, err
	}
	count.CreatedAt = count.CreatedAt.UTC()
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		count.FinalizedAt = &at
	}

	count.Items, err = loadCountItems(ctx, q, countID)
	if err != nil {
		return nil, err
	}
	return &count, nil
}

func loadCountItems(ctx context.Context, q querier, countID int64) ([]domain.InventoryCountItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ici.id, ici.inventory_count_id, ici.product_id, p.name, p.barcode, p.cost_cents,
			ici.expected_quantity, ici.counted_quantity
		FROM inventory_count_items ici
		JOIN products p ON p.id = ici.product_id
		WHERE ici.inventory_count_id = $1
		ORDER BY p.name, ici.id
	`, countID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryCountItem, 0, 64)
	for rows.Next() {
		item, err := scanCountItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCountItem(row rowScanner) (domain.InventoryCountItem, error) {
	var item domain.InventoryCountItem
	var counted sql.NullInt64
	if err := row.Scan(&item.ID, &item.InventoryCountID, &item.ProductID, &item.Name, &item.Barcode,
		&item.CostCents, &item.ExpectedQuantity, &counted); err != nil {
		return item, err
	}
	if counted.Valid {
		v := int(counted.Int64)
		item.CountedQuantity = &v
	}
	return item, nil
}

func (s *Store) UpdateInventoryCountItem(ctx context.Context, itemID int64, counted *int) (*domain.InventoryCountItem, error) {
	var value any
	if counted != nil {
		value = *counted
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_count_items ici
		SET counted_quantity = $2
		FROM inventory_counts ic
		WHERE ici.id = $1
			AND ic.id = ici.inventory_count_id
			AND ic.status = 'IN_PROGRESS'
	`, itemID, value)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	item, err := scanCountItem(s.db.QueryRowContext(ctx, `
		SELECT ici.id, ici.inventory_count_id, ici.product_id, p.name, p.barcode, p.cost_cents,
			ici.expected_quantity, ici.counted_quantity
		FROM inventory_count_items ici
		JOIN products p ON p.id = ici.product_id
		WHERE ici.id = $1
	`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inventory count item %d: %w", itemID, store.ErrNotFound)
		}
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("inventory count %d is completed: %w", item.InventoryCountID, store.ErrConflict)
	}
	return &item, nil
}

func (s *Store) FinalizeInventoryCount(ctx context.Context, countID int64, at time.Time) (*domain.InventoryFinalizeResponse, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM inventory_counts WHERE id = $1 FOR UPDATE`, countID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inventory count %d: %w", countID, store.ErrNotFound)
		}
		return nil, err
	}
	if status != domain.CountStatusInProgress {
		return nil, fmt.Errorf("inventory count %d is %s: %w", countID, status, store.ErrConflict)
	}

	items, err := loadCountItems(ctx, tx, countID)
	if err != nil {
		return nil, err
	}
	adjustments, total := reconcile.FinalizeCount(items)
	for _, adj := range adjustments {
		if _, err := tx.ExecContext(ctx, `UPDATE products SET stock = $1 WHERE id = $2`, adj.CountedQuantity, adj.ProductID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_counts
		SET status = 'COMPLETED', finalized_at = $2
		WHERE id = $1
	`, countID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.InventoryFinalizeResponse{
		InventoryCountID:        countID,
		Status:                  domain.CountStatusCompleted,
		FinalizedAt:             at.UTC(),
		TotalVarianceValueCents: total,
		Adjustments:             adjustments,
	}, nil
}

func (s *Store) ListWorksheet(ctx context.Context, scope domain.CountScope) ([]domain.WorksheetRow, error) {
	filter, args, err := scopeClause(scope, 1)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.barcode, p.price_cents, p.stock
		FROM products p
		WHERE `+filter+`
		ORDER BY p.name, p.id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.WorksheetRow, 0, 64)
	for rows.Next() {
		var row domain.WorksheetRow
		if err := rows.Scan(&row.ProductID, &row.Name, &row.Barcode, &row.PriceCents, &row.Stock); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const closedSalesBetween = `t.type = 'sale' AND t.status = 'closed' AND t.timestamp BETWEEN $1 AND $2`

func (s *Store) SalesSummary(ctx context.Context, fromMillis int64, toMillis int64) (*domain.SalesSummary, error) {
	report := &domain.SalesSummary{
		SalesOverTime:   make([]domain.DailyRevenue, 0, 31),
		TopProducts:     make([]domain.ProductQuantity, 0, 5),
		WorstProducts:   make([]domain.ProductQuantity, 0, 5),
		SalesByCategory: make([]domain.CategoryRevenue, 0, 8),
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(t.final_total_cents), 0)::BIGINT
		FROM transactions t
		WHERE `+closedSalesBetween, fromMillis, toMillis).Scan(&report.Summary.TransactionCount, &report.Summary.TotalRevenue); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ti.quantity), 0)::BIGINT,
			COALESCE(SUM(ti.quantity * COALESCE(p.cost_cents, 0)), 0)::BIGINT
		FROM transaction_items ti
		JOIN transactions t ON t.id = ti.transaction_id
		LEFT JOIN products p ON p.id = ti.product_id
		WHERE `+closedSalesBetween, fromMillis, toMillis).Scan(&report.Summary.TotalItemsSold, &report.Summary.TotalCOGS); err != nil {
		return nil, err
	}
	report.Summary.GrossProfit = report.Summary.TotalRevenue - report.Summary.TotalCOGS

	dailyRows, err := s.db.QueryContext(ctx, `
		SELECT to_char(to_timestamp(t.timestamp / 1000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			SUM(t.final_total_cents)::BIGINT
		FROM transactions t
		WHERE `+closedSalesBetween+`
		GROUP BY day
		ORDER BY day
	`, fromMillis, toMillis)
	if err != nil {
		return nil, err
	}
	defer dailyRows.Close()
	for dailyRows.Next() {
		var d domain.DailyRevenue
		if err := dailyRows.Scan(&d.Date, &d.RevenueCents); err != nil {
			return nil, err
		}
		report.SalesOverTime = append(report.SalesOverTime, d)
	}
	if err := dailyRows.Err(); err != nil {
		return nil, err
	}

	report.TopProducts, err = s.productQuantities(ctx, `
		SELECT p.name, SUM(ti.quantity)::BIGINT AS qty
		FROM transaction_items ti
		JOIN products p ON p.id = ti.product_id
		JOIN transactions t ON t.id = ti.transaction_id
		WHERE `+closedSalesBetween+`
		GROUP BY p.name
		ORDER BY qty DESC, p.name ASC
		LIMIT 5
	`, fromMillis, toMillis)
	if err != nil {
		return nil, err
	}

	report.WorstProducts, err = s.productQuantities(ctx, `
		SELECT p.name, COALESCE(SUM(sold.quantity), 0)::BIGINT AS qty
		FROM products p
		LEFT JOIN (
			SELECT ti.product_id, ti.quantity
			FROM transaction_items ti
			JOIN transactions t ON t.id = ti.transaction_id
			WHERE `+closedSalesBetween+`
		) sold ON sold.product_id = p.id
		GROUP BY p.name
		ORDER BY qty ASC, p.name ASC
		LIMIT 5
	`, fromMillis, toMillis)
	if err != nil {
		return nil, err
	}

	categoryRows, err := s.db.QueryContext(ctx, `
		SELECT p.category, SUM(ti.price_cents * ti.quantity)::BIGINT AS revenue
		FROM transaction_items ti
		JOIN products p ON p.id = ti.product_id
		JOIN transactions t ON t.id = ti.transaction_id
		WHERE `+closedSalesBetween+` AND p.category IS NOT NULL AND p.category <> ''
		GROUP BY p.category
		ORDER BY revenue DESC, p.category ASC
	`, fromMillis, toMillis)
	if err != nil {
		return nil, err
	}
	defer categoryRows.Close()
	for categoryRows.Next() {
		var c domain.CategoryRevenue
		if err := categoryRows.Scan(&c.Category, &c.RevenueCents); err != nil {
			return nil, err
		}
		report.SalesByCategory = append(report.SalesByCategory, c)
	}
	if err := categoryRows.Err(); err != nil {
		return nil, err
	}

	return report, nil
}

func (s *Store) productQuantities(ctx context.Context, query string, args ...any) ([]domain.ProductQuantity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProductQuantity, 0, 5)
	for rows.Next() {
		var pq domain.ProductQuantity
		if err := rows.Scan(&pq.Name, &pq.TotalQuantity); err != nil {
			return nil, err
		}
		out = append(out, pq)
	}
	return out, rows.Err()
}

func (s *Store) ListLowStock(ctx context.Context, sinceMillis int64) ([]domain.LowStockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.stock, p.min_stock, p.min_stock - p.stock AS shortage, p.cost_cents,
			COALESCE(s.name, ''),
			COALESCE((
				SELECT SUM(ti.quantity)
				FROM transaction_items ti
				JOIN transactions t ON t.id = ti.transaction_id
				WHERE ti.product_id = p.id AND t.type = 'sale' AND t.status = 'closed' AND t.timestamp >= $1
			), 0)::BIGINT
		FROM products p
		LEFT JOIN (
			SELECT pi.product_id, MAX(pu.supplier_id) AS supplier_id
			FROM purchase_items pi
			JOIN purchases pu ON pu.id = pi.purchase_id
			GROUP BY pi.product_id
		) last_purchase ON last_purchase.product_id = p.id
		LEFT JOIN suppliers s ON s.id = last_purchase.supplier_id
		WHERE p.stock < p.min_stock
		ORDER BY shortage DESC, p.name ASC
	`, sinceMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LowStockRow, 0, 32)
	for rows.Next() {
		var row domain.LowStockRow
		if err := rows.Scan(&row.ProductID, &row.Name, &row.Stock, &row.MinStock, &row.Shortage,
			&row.CostCents, &row.SupplierName, &row.SalesVelocity30d); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const soldProductsBase = `
	WITH sold AS (
		SELECT ti.product_id, SUM(ti.quantity)::BIGINT AS sold_qty,
			SUM(ti.quantity * ti.price_cents)::BIGINT AS revenue
		FROM transaction_items ti
		JOIN transactions t ON t.id = ti.transaction_id
		WHERE ` + closedSalesBetween + ` AND ti.product_id IS NOT NULL
		GROUP BY ti.product_id
	), returned AS (
		SELECT ri.product_id, SUM(ri.quantity)::BIGINT AS returned_qty
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.timestamp BETWEEN $1 AND $2 AND ri.product_id IS NOT NULL
		GROUP BY ri.product_id
	)
	SELECT p.id, p.name, p.barcode, COALESCE(p.category, '') AS category, p.stock,
		sold.sold_qty, sold.revenue, COALESCE(returned.returned_qty, 0) AS returned_qty,
		sold.sold_qty - COALESCE(returned.returned_qty, 0) AS net_qty
	FROM products p
	JOIN sold ON sold.product_id = p.id
	LEFT JOIN returned ON returned.product_id = p.id
	WHERE ($3::TEXT = '' OR p.category = $3::TEXT)
		AND ($4::TEXT = '' OR p.name ILIKE '%' || $4::TEXT || '%' OR p.barcode ILIKE '%' || $4::TEXT || '%')
`

func (s *Store) SoldProducts(ctx context.Context, filter domain.SoldProductsFilter) (*domain.SoldProductsPage, error) {
	page := &domain.SoldProductsPage{
		Data:    make([]domain.SoldProductRow, 0, filter.PerPage),
		Page:    filter.Page,
		PerPage: filter.PerPage,
	}
	args := []any{filter.FromMillis, filter.ToMillis, filter.Category, filter.Query}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+soldProductsBase+`) matched`, args...).Scan(&page.TotalCount); err != nil {
		return nil, err
	}

	offset := (filter.Page - 1) * filter.PerPage
	if offset < 0 {
		return nil, fmt.Errorf("%w: page out of range", store.ErrValidation)
	}
	rows, err := s.db.QueryContext(ctx, soldProductsBase+`
		ORDER BY net_qty DESC, p.id ASC
		LIMIT $5 OFFSET $6
	`, append(args, filter.PerPage, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var row domain.SoldProductRow
		if err := rows.Scan(&row.ProductID, &row.ProductName, &row.Barcode, &row.Category, &row.Stock,
			&row.SoldQty, &row.RevenueCents, &row.ReturnedQty, &row.NetQty); err != nil {
			return nil, err
		}
		page.Data = append(page.Data, row)
	}
	return page, rows.Err()
}

func (s *Store) ProductHistory(ctx context.Context, productID int64) ([]domain.ProductMovement, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT 'Sale' AS type, t.id, t.timestamp, -ti.quantity,
			'Sale to customer #' || COALESCE(t.customer_id, 0)
		FROM transactions t
		JOIN transaction_items ti ON ti.transaction_id = t.id
		WHERE ti.product_id = $1 AND t.type = 'sale' AND t.status = 'closed'
		UNION ALL
		SELECT 'Purchase', pu.id, FLOOR(EXTRACT(EPOCH FROM pu.created_at) * 1000)::BIGINT, pi.quantity,
			'Purchase from supplier #' || pu.supplier_id
		FROM purchases pu
		JOIN purchase_items pi ON pi.purchase_id = pu.id
		WHERE pi.product_id = $1
		UNION ALL
		SELECT 'Return', r.id, r.timestamp, ri.quantity,
			'Return on invoice #' || r.original_transaction_id
		FROM returns r
		JOIN return_items ri ON ri.return_id = r.id
		WHERE ri.product_id = $1
		ORDER BY 3 DESC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProductMovement, 0, 32)
	for rows.Next() {
		var m domain.ProductMovement
		if err := rows.Scan(&m.Type, &m.RelatedID, &m.Timestamp, &m.QuantityChange, &m.Notes); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.User, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role, permissions, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, user.Username, user.PasswordHash, user.Role, int64(user.Permissions), user.Active, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username %s: %w", user.Username, store.ErrConflict)
		}
		return nil, err
	}
	created := user.User
	return &created, nil
}

// EnsureAdmin creates an "admin" account with every permission when the
// users table is empty. It reports whether an account was created.
func (s *Store) EnsureAdmin(ctx context.Context, password string) (bool, error) {
	if len(strings.TrimSpace(password)) < 8 {
		return false, fmt.Errorf("%w: admin password must be at least 8 characters", store.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash admin password: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, permissions, active, created_at)
		SELECT 'admin', $1, $2, $3, true, $4
		WHERE NOT EXISTS (SELECT 1 FROM users)
		ON CONFLICT (username) DO NOTHING
	`, string(hash), domain.RoleAdmin, int64(domain.PermAll), time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, permissions, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		var user domain.User
		var perms int64
		if err := rows.Scan(&user.ID, &user.Username, &user.Role, &perms, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.Permissions = domain.Permission(perms)
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var account domain.UserAccount
	var perms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, permissions, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&account.ID, &account.Username, &account.PasswordHash, &account.Role, &perms, &account.Active, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
		}
		return nil, err
	}
	account.Permissions = domain.Permission(perms)
	account.CreatedAt = account.CreatedAt.UTC()
	return &account, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}
