package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/reconcile"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("permission denied")
)

const (
	reportKeyPrefix     = "report:"
	velocityWindow      = 30 * 24 * time.Hour
	defaultSoldPerPage  = 50
	maxSoldPerPage      = 200
	maxSoldPage         = 100000
	barcodeGenAttempts  = 50
	defaultExpenseLimit = 100
	defaultSearchLimit  = 100
	maxSearchLimit      = 500
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	reportTTL time.Duration
	now       func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 30 * time.Second
	}

	return &Service{
		repo:      repo,
		reports:   reports,
		reportTTL: reportTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock used for timestamps and report windows.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// authorize admits an actor holding any one of perms.
func (s *Service) authorize(ctx context.Context, perms ...domain.Permission) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID < 1 {
		return domain.Actor{}, ErrUnauthenticated
	}
	for _, perm := range perms {
		if actor.Permissions.Has(perm) {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %v", ErrForbidden, perms)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := s.authorize(ctx, domain.PermSell, domain.PermManageProducts); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.PermManageProducts); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if req.CostCents < 0 || req.PriceCents < 0 || req.WholesalePriceCents < 0 || req.MinStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: prices and min stock must not be negative", store.ErrValidation)
	}

	if req.Barcode == "" {
		barcode, err := s.generateBarcode(ctx)
		if err != nil {
			return domain.Product{}, err
		}
		req.Barcode = barcode
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:                req.Name,
		Barcode:             req.Barcode,
		Category:            req.Category,
		CostCents:           req.CostCents,
		PriceCents:          req.PriceCents,
		WholesalePriceCents: req.WholesalePriceCents,
		Stock:               req.Stock,
		MinStock:            req.MinStock,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", strconv.FormatInt(created.ID, 10), fmt.Sprintf("name=%s,barcode=%s,stock=%d", created.Name, created.Barcode, created.Stock))
	s.invalidateReports(ctx)
	return *created, nil
}

// generateBarcode picks a random 4-digit code not yet used by any product.
func (s *Service) generateBarcode(ctx context.Context) (string, error) {
	for range barcodeGenAttempts {
		candidate := strconv.Itoa(1000 + rand.IntN(9000))
		exists, err := s.repo.BarcodeExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free 4-digit barcode: %w", store.ErrConflict)
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	if _, err := s.authorize(ctx, domain.PermPurchase); err != nil {
		return nil, err
	}
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if _, err := s.authorize(ctx, domain.PermPurchase); err != nil {
		return domain.Supplier{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Supplier{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}

	saved, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:      req.Name,
		Phone:     req.Phone,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Supplier{}, err
	}

	s.logAudit(ctx, "supplier_create", "supplier", strconv.FormatInt(saved.ID, 10), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	if _, err := s.authorize(ctx, domain.PermExpenses); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultExpenseLimit
	}
	return s.repo.ListExpenses(ctx, limit)
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := s.authorize(ctx, domain.PermExpenses)
	if err != nil {
		return domain.Expense{}, err
	}

	req.Description = strings.TrimSpace(req.Description)
	req.Category = strings.TrimSpace(req.Category)
	req.ExpenseDate = strings.TrimSpace(req.ExpenseDate)
	if req.Description == "" {
		return domain.Expense{}, fmt.Errorf("%w: description is required", store.ErrValidation)
	}
	if req.AmountCents < 1 {
		return domain.Expense{}, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}

	now := s.now()
	if req.ExpenseDate == "" {
		req.ExpenseDate = now.Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, req.ExpenseDate); err != nil {
		return domain.Expense{}, fmt.Errorf("%w: expense_date must be YYYY-MM-DD", store.ErrValidation)
	}

	saved, err := s.repo.CreateExpense(ctx, domain.Expense{
		Description: req.Description,
		AmountCents: req.AmountCents,
		Category:    req.Category,
		ExpenseDate: req.ExpenseDate,
		UserID:      actor.UserID,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", strconv.FormatInt(saved.ID, 10), fmt.Sprintf("amount=%d", saved.AmountCents))
	return *saved, nil
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := s.authorize(ctx, domain.PermSell)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	if len(req.Items) == 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale needs at least one item", store.ErrValidation)
	}
	if err := validatePayments(req.Payments); err != nil {
		return domain.SaleResponse{}, err
	}

	var total int64
	items := make([]domain.SaleLine, 0, len(req.Items))
	for _, line := range req.Items {
		line.Name = strings.TrimSpace(line.Name)
		if line.Quantity < 1 {
			return domain.SaleResponse{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if line.PriceCents < 0 {
			return domain.SaleResponse{}, fmt.Errorf("%w: price must not be negative", store.ErrValidation)
		}
		if line.ProductID <= 0 {
			line.ProductID = 0
			if line.Name == "" {
				return domain.SaleResponse{}, fmt.Errorf("%w: manual item needs a name", store.ErrValidation)
			}
		}
		total += int64(line.Quantity) * line.PriceCents
		items = append(items, line)
	}
	if req.DiscountCents < 0 || req.DiscountCents > total {
		return domain.SaleResponse{}, fmt.Errorf("%w: discount must be between 0 and the total", store.ErrValidation)
	}

	status := domain.SaleStatusClosed
	if req.Pending {
		status = domain.SaleStatusPending
	}

	sale, err := s.repo.RecordSale(ctx, domain.Sale{
		UserID:          actor.UserID,
		CustomerID:      req.CustomerID,
		Status:          status,
		TotalCents:      total,
		DiscountCents:   req.DiscountCents,
		FinalTotalCents: total - req.DiscountCents,
		Notes:           strings.TrimSpace(req.Notes),
		IsDelivery:      req.IsDelivery,
		Timestamp:       reconcile.TimeToMillis(s.now()),
		Items:           items,
		Payments:        req.Payments,
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_record", "transaction", strconv.FormatInt(sale.ID, 10), fmt.Sprintf("status=%s,final_total=%d,items=%d", sale.Status, sale.FinalTotalCents, len(sale.Items)))
	s.invalidateReports(ctx)
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	if _, err := s.authorize(ctx, domain.PermSell); err != nil {
		return domain.Sale{}, err
	}
	if id < 1 {
		return domain.Sale{}, fmt.Errorf("%w: invalid transaction id", store.ErrValidation)
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListPendingSales(ctx context.Context) ([]domain.PendingSale, error) {
	if _, err := s.authorize(ctx, domain.PermSell); err != nil {
		return nil, err
	}
	return s.repo.ListPendingSales(ctx)
}

func (s *Service) ClosePendingSales(ctx context.Context, req domain.CloseSalesRequest) (domain.CloseSalesResponse, error) {
	if _, err := s.authorize(ctx, domain.PermSell); err != nil {
		return domain.CloseSalesResponse{}, err
	}
	if len(req.IDs) == 0 {
		return domain.CloseSalesResponse{}, fmt.Errorf("%w: ids are required", store.ErrValidation)
	}

	closed, err := s.repo.ClosePendingSales(ctx, req.IDs)
	if err != nil {
		return domain.CloseSalesResponse{}, err
	}

	s.logAudit(ctx, "sales_close", "transaction", joinIDs(req.IDs), fmt.Sprintf("closed=%d", closed))
	s.invalidateReports(ctx)
	return domain.CloseSalesResponse{Closed: closed}, nil
}

func (s *Service) RecordReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	actor, err := s.authorize(ctx, domain.PermReturn)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	if req.OriginalTransactionID < 1 {
		return domain.ReturnResponse{}, fmt.Errorf("%w: original_transaction_id is required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.ReturnResponse{}, fmt.Errorf("%w: return needs at least one item", store.ErrValidation)
	}
	if err := validatePayments(req.Payments); err != nil {
		return domain.ReturnResponse{}, err
	}

	var total int64
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return domain.ReturnResponse{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if line.PriceCents < 0 {
			return domain.ReturnResponse{}, fmt.Errorf("%w: price must not be negative", store.ErrValidation)
		}
		total += int64(line.Quantity) * line.PriceCents
	}

	ret, err := s.repo.RecordReturn(ctx, domain.Return{
		OriginalTransactionID: req.OriginalTransactionID,
		UserID:                actor.UserID,
		TotalCents:            total,
		Notes:                 strings.TrimSpace(req.Notes),
		Timestamp:             reconcile.TimeToMillis(s.now()),
		Items:                 req.Items,
		Payments:              req.Payments,
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	s.logAudit(ctx, "return_record", "return", strconv.FormatInt(ret.ID, 10), fmt.Sprintf("transaction=%d,total=%d", ret.OriginalTransactionID, ret.TotalCents))
	s.invalidateReports(ctx)
	return domain.ReturnResponse{Return: *ret}, nil
}

func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResponse, error) {
	actor, err := s.authorize(ctx, domain.PermPurchase)
	if err != nil {
		return domain.PurchaseResponse{}, err
	}

	if req.SupplierID < 1 {
		return domain.PurchaseResponse{}, fmt.Errorf("%w: supplier_id is required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.PurchaseResponse{}, fmt.Errorf("%w: purchase needs at least one item", store.ErrValidation)
	}

	var total int64
	for _, line := range req.Items {
		if line.ProductID < 1 {
			return domain.PurchaseResponse{}, fmt.Errorf("%w: purchase items need a product", store.ErrValidation)
		}
		if line.Quantity < 1 {
			return domain.PurchaseResponse{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrValidation)
		}
		if line.CostPriceCents < 0 {
			return domain.PurchaseResponse{}, fmt.Errorf("%w: cost price must not be negative", store.ErrValidation)
		}
		total += int64(line.Quantity) * line.CostPriceCents
	}
	if req.TotalAmountCents < 0 {
		return domain.PurchaseResponse{}, fmt.Errorf("%w: total must not be negative", store.ErrValidation)
	}
	if req.TotalAmountCents > 0 {
		total = req.TotalAmountCents
	}

	purchase, err := s.repo.RecordPurchase(ctx, domain.Purchase{
		SupplierID:       req.SupplierID,
		UserID:           actor.UserID,
		TotalAmountCents: total,
		CreatedAt:        s.now(),
		Items:            req.Items,
	})
	if err != nil {
		return domain.PurchaseResponse{}, err
	}

	s.logAudit(ctx, "purchase_record", "purchase", strconv.FormatInt(purchase.ID, 10), fmt.Sprintf("supplier=%d,total=%d", purchase.SupplierID, purchase.TotalAmountCents))
	s.invalidateReports(ctx)
	return domain.PurchaseResponse{Purchase: *purchase}, nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftResponse, error) {
	actor, err := s.authorize(ctx, domain.PermCloseShift)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if req.ActualCashCents == nil || req.ActualCardCents == nil {
		return domain.ShiftResponse{}, fmt.Errorf("%w: actual_cash_cents and actual_card_cents are required", store.ErrValidation)
	}
	if *req.ActualCashCents < 0 || *req.ActualCardCents < 0 {
		return domain.ShiftResponse{}, fmt.Errorf("%w: actual amounts must not be negative", store.ErrValidation)
	}

	shift, err := s.repo.CloseShift(ctx, domain.ShiftClose{
		UserID:          actor.UserID,
		ActualCashCents: *req.ActualCashCents,
		ActualCardCents: *req.ActualCardCents,
		ClosedAt:        s.now(),
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if shift.Username == "" {
		shift.Username = actor.Username
	}

	s.logAudit(ctx, "shift_close", "shift", strconv.FormatInt(shift.ID, 10), fmt.Sprintf("start=%d,end=%d,variance=%d", shift.StartTime, shift.EndTime, shift.VarianceCents))
	return domain.ShiftResponse{Shift: *shift}, nil
}

// ShiftHistory lists shifts whose end time falls on the given UTC day,
// today when date is empty.
func (s *Service) ShiftHistory(ctx context.Context, date string) ([]domain.Shift, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return nil, err
	}
	now := s.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if strings.TrimSpace(date) != "" {
		parsed, err := parseDate(date)
		if err != nil {
			return nil, err
		}
		day = parsed
	}
	from, to := dayWindow(day, day)
	return s.repo.ListShiftsEndingBetween(ctx, from, to)
}

func (s *Service) StartInventoryCount(ctx context.Context, req domain.InventoryCountStartRequest) (domain.InventoryCountResponse, error) {
	actor, err := s.authorize(ctx, domain.PermInventory)
	if err != nil {
		return domain.InventoryCountResponse{}, err
	}

	scope, err := normalizeScope(req.CountType, req.CountScope)
	if err != nil {
		return domain.InventoryCountResponse{}, err
	}

	count, err := s.repo.StartInventoryCount(ctx, actor.UserID, scope, s.now())
	if err != nil {
		return domain.InventoryCountResponse{}, err
	}

	s.logAudit(ctx, "inventory_count_start", "inventory_count", strconv.FormatInt(count.ID, 10), fmt.Sprintf("type=%s,scope=%s,items=%d", count.CountType, count.CountScope, len(count.Items)))
	return domain.InventoryCountResponse{InventoryCount: *count}, nil
}

func (s *Service) GetActiveInventoryCount(ctx context.Context) (domain.InventoryCountResponse, error) {
	if _, err := s.authorize(ctx, domain.PermInventory); err != nil {
		return domain.InventoryCountResponse{}, err
	}
	count, err := s.repo.GetActiveInventoryCount(ctx)
	if err != nil {
		return domain.InventoryCountResponse{}, err
	}
	return domain.InventoryCountResponse{InventoryCount: *count}, nil
}

func (s *Service) UpdateInventoryCountItem(ctx context.Context, itemID int64, req domain.CountItemUpdateRequest) (domain.InventoryCountItem, error) {
	if _, err := s.authorize(ctx, domain.PermInventory); err != nil {
		return domain.InventoryCountItem{}, err
	}
	if itemID < 1 {
		return domain.InventoryCountItem{}, fmt.Errorf("%w: invalid item id", store.ErrValidation)
	}

	item, err := s.repo.UpdateInventoryCountItem(ctx, itemID, req.CountedQuantity)
	if err != nil {
		return domain.InventoryCountItem{}, err
	}
	return *item, nil
}

func (s *Service) FinalizeInventoryCount(ctx context.Context, countID int64) (domain.InventoryFinalizeResponse, error) {
	if _, err := s.authorize(ctx, domain.PermInventory); err != nil {
		return domain.InventoryFinalizeResponse{}, err
	}
	if countID < 1 {
		return domain.InventoryFinalizeResponse{}, fmt.Errorf("%w: invalid count id", store.ErrValidation)
	}

	resp, err := s.repo.FinalizeInventoryCount(ctx, countID, s.now())
	if err != nil {
		return domain.InventoryFinalizeResponse{}, err
	}

	s.logAudit(ctx, "inventory_count_finalize", "inventory_count", strconv.FormatInt(countID, 10), fmt.Sprintf("adjustments=%d,variance_value=%d", len(resp.Adjustments), resp.TotalVarianceValueCents))
	s.invalidateReports(ctx)
	return *resp, nil
}

func (s *Service) InventoryWorksheet(ctx context.Context, countType string, countScope string) ([]domain.WorksheetRow, error) {
	if _, err := s.authorize(ctx, domain.PermInventory); err != nil {
		return nil, err
	}
	scope, err := normalizeScope(countType, countScope)
	if err != nil {
		return nil, err
	}
	return s.repo.ListWorksheet(ctx, scope)
}

func (s *Service) SalesSummary(ctx context.Context, startDate string, endDate string) (domain.SalesSummary, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return domain.SalesSummary{}, err
	}
	if strings.TrimSpace(startDate) == "" || strings.TrimSpace(endDate) == "" {
		return domain.SalesSummary{}, fmt.Errorf("%w: start_date and end_date are required", store.ErrValidation)
	}
	from, to, err := dateRange(startDate, endDate)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	key := fmt.Sprintf("%ssummary:%d:%d", reportKeyPrefix, from, to)
	return cachedReport(ctx, s, key, func() (domain.SalesSummary, error) {
		summary, err := s.repo.SalesSummary(ctx, from, to)
		if err != nil {
			return domain.SalesSummary{}, err
		}
		return *summary, nil
	})
}

func (s *Service) LowStock(ctx context.Context) (domain.LowStockResponse, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return domain.LowStockResponse{}, err
	}
	return cachedReport(ctx, s, reportKeyPrefix+"low-stock", func() (domain.LowStockResponse, error) {
		now := s.now()
		rows, err := s.repo.ListLowStock(ctx, reconcile.TimeToMillis(now.Add(-velocityWindow)))
		if err != nil {
			return domain.LowStockResponse{}, err
		}
		for i := range rows {
			rows[i].DaysOfStockLeft = reconcile.DaysOfStockLeft(rows[i].Stock, rows[i].SalesVelocity30d)
			rows[i].RecommendedReorderQty = reconcile.ReorderQty(rows[i].Stock, rows[i].SalesVelocity30d)
		}
		return domain.LowStockResponse{
			GeneratedAt: now.Format(time.RFC3339),
			Items:       rows,
		}, nil
	})
}

func (s *Service) SoldProducts(ctx context.Context, startDate string, endDate string, category string, query string, page int, perPage int) (domain.SoldProductsPage, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return domain.SoldProductsPage{}, err
	}
	if page > maxSoldPage {
		return domain.SoldProductsPage{}, fmt.Errorf("%w: page must not exceed %d", store.ErrValidation, maxSoldPage)
	}

	// An open end date runs to the end of today so the cache key is stable for the day.
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	_, todayEnd := dayWindow(today, today)
	filter := domain.SoldProductsFilter{
		Category: strings.TrimSpace(category),
		Query:    strings.TrimSpace(query),
		Page:     page,
		PerPage:  perPage,
		ToMillis: todayEnd,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 {
		filter.PerPage = defaultSoldPerPage
	}
	if filter.PerPage > maxSoldPerPage {
		filter.PerPage = maxSoldPerPage
	}

	if strings.TrimSpace(startDate) != "" {
		start, err := parseDate(startDate)
		if err != nil {
			return domain.SoldProductsPage{}, err
		}
		filter.FromMillis, _ = dayWindow(start, start)
	}
	if strings.TrimSpace(endDate) != "" {
		end, err := parseDate(endDate)
		if err != nil {
			return domain.SoldProductsPage{}, err
		}
		_, filter.ToMillis = dayWindow(end, end)
	}
	if filter.ToMillis < filter.FromMillis {
		return domain.SoldProductsPage{}, fmt.Errorf("%w: end date is before start date", store.ErrValidation)
	}

	key := fmt.Sprintf("%ssold-products:%d:%d:%s:%s:%d:%d", reportKeyPrefix, filter.FromMillis, filter.ToMillis, filter.Category, filter.Query, filter.Page, filter.PerPage)
	return cachedReport(ctx, s, key, func() (domain.SoldProductsPage, error) {
		result, err := s.repo.SoldProducts(ctx, filter)
		if err != nil {
			return domain.SoldProductsPage{}, err
		}
		return *result, nil
	})
}

func (s *Service) ProductHistory(ctx context.Context, productID int64) ([]domain.ProductMovement, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return nil, err
	}
	if productID < 1 {
		return nil, fmt.Errorf("%w: invalid product id", store.ErrValidation)
	}
	return s.repo.ProductHistory(ctx, productID)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := s.authorize(ctx, domain.PermManageUsers); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) ListPurchases(ctx context.Context, limit int) ([]domain.PurchaseSummary, error) {
	return s.SearchPurchases(ctx, "", "", limit)
}

// SearchPurchases matches purchases by invoice id, supplier name, product
// name or product barcode. An empty term lists the newest purchases.
func (s *Service) SearchPurchases(ctx context.Context, field string, term string, limit int) ([]domain.PurchaseSummary, error) {
	if _, err := s.authorize(ctx, domain.PermPurchase); err != nil {
		return nil, err
	}

	search := domain.PurchaseSearch{Term: strings.TrimSpace(term), Limit: clampLimit(limit)}
	if search.Term != "" {
		normalized, err := normalizePurchaseField(field)
		if err != nil {
			return nil, err
		}
		search.Field = normalized
		if search.Field == domain.PurchaseSearchInvoice {
			if id, err := strconv.ParseInt(search.Term, 10, 64); err != nil || id < 1 {
				return nil, fmt.Errorf("%w: invoice id must be a positive number", store.ErrValidation)
			}
		}
	}
	return s.repo.SearchPurchases(ctx, search)
}

func (s *Service) GetPurchase(ctx context.Context, id int64) (domain.PurchaseDetail, error) {
	if _, err := s.authorize(ctx, domain.PermPurchase); err != nil {
		return domain.PurchaseDetail{}, err
	}
	if id < 1 {
		return domain.PurchaseDetail{}, fmt.Errorf("%w: invalid purchase id", store.ErrValidation)
	}
	detail, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.PurchaseDetail{}, err
	}
	return *detail, nil
}

// SearchSales finds one sale by id, or the sales inside a start/end date
// window. With neither it lists the newest sales.
func (s *Service) SearchSales(ctx context.Context, id int64, startDate string, endDate string, limit int) ([]domain.Sale, error) {
	if _, err := s.authorize(ctx, domain.PermSell); err != nil {
		return nil, err
	}
	if id < 0 {
		return nil, fmt.Errorf("%w: invalid transaction id", store.ErrValidation)
	}

	search := domain.SaleSearch{ID: id, ToMillis: math.MaxInt64, Limit: clampLimit(limit)}
	hasStart, hasEnd := strings.TrimSpace(startDate) != "", strings.TrimSpace(endDate) != ""
	if id == 0 && hasStart != hasEnd {
		return nil, fmt.Errorf("%w: start_date and end_date go together", store.ErrValidation)
	}
	if id == 0 && hasStart {
		from, to, err := dateRange(startDate, endDate)
		if err != nil {
			return nil, err
		}
		search.FromMillis, search.ToMillis = from, to
	}
	return s.repo.SearchSales(ctx, search)
}

// Ledger lists closed sales as inflows and returns, purchases and expenses
// as outflows, newest first.
func (s *Service) Ledger(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.authorize(ctx, domain.PermReports); err != nil {
		return nil, err
	}
	return s.repo.ListLedger(ctx, clampLimit(limit))
}

// cachedReport serves a JSON-encoded report from the cache, computing and
// storing it on a miss. Cache failures are logged and otherwise ignored.
func cachedReport[T any](ctx context.Context, s *Service, key string, load func() (T, error)) (T, error) {
	raw, hit, err := s.reports.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("report cache get failed")
	}
	if hit {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		log.Warn().Str("key", key).Msg("discarding undecodable cached report")
	}

	value, err := load()
	if err != nil {
		return value, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("encode report for cache")
		return value, nil
	}
	if err := s.reports.Set(ctx, key, encoded, s.reportTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("report cache set failed")
	}
	return value, nil
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx, reportKeyPrefix); err != nil {
		log.Warn().Err(err).Msg("report cache invalidate failed")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultSearchLimit
	}
	return min(limit, maxSearchLimit)
}

func normalizePurchaseField(field string) (string, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(field), "_", ""))
	switch key {
	case "invoiceid", "invoice", "id":
		return domain.PurchaseSearchInvoice, nil
	case "suppliername", "supplier":
		return domain.PurchaseSearchSupplier, nil
	case "productname", "product":
		return domain.PurchaseSearchProduct, nil
	case "productbarcode", "barcode":
		return domain.PurchaseSearchBarcode, nil
	default:
		return "", fmt.Errorf("%w: unknown search type %q", store.ErrValidation, field)
	}
}

func normalizeScope(countType string, countScope string) (domain.CountScope, error) {
	scope, err := domain.NormalizeCountScope(countType, countScope)
	if errors.Is(err, domain.ErrInvalidScope) {
		return domain.CountScope{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return scope, err
}

func validatePayments(payments []domain.Payment) error {
	if len(payments) == 0 {
		return fmt.Errorf("%w: at least one payment is required", store.ErrValidation)
	}
	for _, p := range payments {
		if !domain.IsPaymentMethod(p.Method) {
			return fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, p.Method)
		}
		if p.AmountCents < 0 {
			return fmt.Errorf("%w: payment amount must not be negative", store.ErrValidation)
		}
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", store.ErrValidation, raw)
	}
	return parsed.UTC(), nil
}

func dateRange(startDate string, endDate string) (int64, int64, error) {
	start, err := parseDate(startDate)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseDate(endDate)
	if err != nil {
		return 0, 0, err
	}
	if end.Before(start) {
		return 0, 0, fmt.Errorf("%w: end date is before start date", store.ErrValidation)
	}
	from, to := dayWindow(start, end)
	return from, to, nil
}

// dayWindow spans from the first millisecond of start to the last of end.
func dayWindow(start time.Time, end time.Time) (int64, int64) {
	return reconcile.TimeToMillis(start), reconcile.TimeToMillis(end.Add(24*time.Hour)) - 1
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
