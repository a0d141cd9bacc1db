package store

import (
	"context"
	"errors"
	"time"

	"retailpos/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

type Repository interface {
	Ping(ctx context.Context) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error)
	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)

	RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListPendingSales(ctx context.Context) ([]domain.PendingSale, error)
	ClosePendingSales(ctx context.Context, ids []int64) (int, error)
	RecordReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	RecordPurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	SearchPurchases(ctx context.Context, search domain.PurchaseSearch) ([]domain.PurchaseSummary, error)
	GetPurchase(ctx context.Context, id int64) (*domain.PurchaseDetail, error)
	SearchSales(ctx context.Context, search domain.SaleSearch) ([]domain.Sale, error)
	// ListLedger merges closed sales, returns, purchases and expenses, newest first.
	ListLedger(ctx context.Context, limit int) ([]domain.LedgerEntry, error)

	// CloseShift reads the open period boundary, aggregates it and persists
	// the reconciled shift in one unit of work.
	CloseShift(ctx context.Context, input domain.ShiftClose) (*domain.Shift, error)
	ListShiftsEndingBetween(ctx context.Context, fromMillis int64, toMillis int64) ([]domain.Shift, error)

	StartInventoryCount(ctx context.Context, userID int64, scope domain.CountScope, at time.Time) (*domain.InventoryCount, error)
	GetActiveInventoryCount(ctx context.Context) (*domain.InventoryCount, error)
	UpdateInventoryCountItem(ctx context.Context, itemID int64, counted *int) (*domain.InventoryCountItem, error)
	FinalizeInventoryCount(ctx context.Context, countID int64, at time.Time) (*domain.InventoryFinalizeResponse, error)
	ListWorksheet(ctx context.Context, scope domain.CountScope) ([]domain.WorksheetRow, error)

	SalesSummary(ctx context.Context, fromMillis int64, toMillis int64) (*domain.SalesSummary, error)
	ListLowStock(ctx context.Context, sinceMillis int64) ([]domain.LowStockRow, error)
	SoldProducts(ctx context.Context, filter domain.SoldProductsFilter) (*domain.SoldProductsPage, error)
	ProductHistory(ctx context.Context, productID int64) ([]domain.ProductMovement, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
