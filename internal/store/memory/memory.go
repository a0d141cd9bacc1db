package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/reconcile"
	"retailpos/backend/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	seq        map[string]int64
	products   map[int64]domain.Product
	suppliers  map[int64]domain.Supplier
	expenses   []domain.Expense
	sales      map[int64]*domain.Sale
	returns    []domain.Return
	purchases  []domain.Purchase
	shifts     []domain.Shift
	counts     map[int64]*domain.InventoryCount
	countItems map[int64]int64 // item id -> count id
	auditLogs  []domain.AuditLog
	users      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		seq:        make(map[string]int64),
		products:   make(map[int64]domain.Product),
		suppliers:  make(map[int64]domain.Supplier),
		sales:      make(map[int64]*domain.Sale),
		counts:     make(map[int64]*domain.InventoryCount),
		countItems: make(map[int64]int64),
		auditLogs:  make([]domain.AuditLog, 0, 128),
		users:      make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small demo catalog and two accounts.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with
// dev defaults when unset. Postgres deployments never use these.
func NewSeeded() *Store {
	s := New()

	for _, p := range []domain.Product{
		{Name: "Mineral Water 600ml", Barcode: "1001", Category: "Beverages", CostCents: 250, PriceCents: 500, WholesalePriceCents: 400, Stock: 120, MinStock: 24},
		{Name: "Cola Can", Barcode: "1002", Category: "Beverages", CostCents: 450, PriceCents: 900, WholesalePriceCents: 750, Stock: 60, MinStock: 24},
		{Name: "Instant Coffee Sachet", Barcode: "1003", Category: "Beverages", CostCents: 120, PriceCents: 300, WholesalePriceCents: 250, Stock: 8, MinStock: 20},
		{Name: "White Bread", Barcode: "2001", Category: "Bakery", CostCents: 900, PriceCents: 1500, WholesalePriceCents: 1300, Stock: 15, MinStock: 10},
		{Name: "Potato Chips", Barcode: "3001", Category: "Snacks", CostCents: 700, PriceCents: 1200, WholesalePriceCents: 1000, Stock: 40, MinStock: 12},
		{Name: "Bath Soap", Barcode: "4001", Category: "Household", CostCents: 600, PriceCents: 1100, WholesalePriceCents: 950, Stock: 3, MinStock: 6},
	} {
		p.ID = s.next("products")
		s.products[p.ID] = p
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		s.users[u.username] = domain.UserAccount{
			User: domain.User{
				ID:          s.next("users"),
				Username:    u.username,
				Role:        u.role,
				Permissions: domain.DefaultPermissions(u.role),
				Active:      true,
				CreatedAt:   time.Now().UTC(),
			},
			PasswordHash: string(hash),
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// next must be called with the write lock held.
func (s *Store) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.Barcode == product.Barcode {
			return nil, fmt.Errorf("barcode %s: %w", product.Barcode, store.ErrConflict)
		}
	}
	product.ID = s.next("products")
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) BarcodeExists(_ context.Context, barcode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.Barcode == barcode {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, supplier := range s.suppliers {
		suppliers = append(suppliers, supplier)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return strings.Compare(a.Name, b.Name)
	})
	return suppliers, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier.ID = s.next("suppliers")
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliers[supplier.ID] = supplier
	created := supplier
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expenses := slices.Clone(s.expenses)
	slices.SortFunc(expenses, func(a, b domain.Expense) int {
		if a.ExpenseDate == b.ExpenseDate {
			return b.CreatedAt.Compare(a.CreatedAt)
		}
		return strings.Compare(b.ExpenseDate, a.ExpenseDate)
	})
	if limit > 0 && len(expenses) > limit {
		expenses = expenses[:limit]
	}
	for i := range expenses {
		expenses[i].Username = s.usernameByID(expenses[i].UserID)
	}
	return expenses, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense.ID = s.next("expenses")
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expenses = append(s.expenses, expense)
	created := expense
	created.Username = s.usernameByID(expense.UserID)
	return &created, nil
}

func (s *Store) RecordSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Resolve every catalog line before touching stock so a bad line aborts the whole sale.
	for _, line := range sale.Items {
		if line.ProductID <= 0 {
			continue
		}
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("product %d: %w", line.ProductID, store.ErrNotFound)
		}
	}

	sale.ID = s.next("transactions")
	sale.Items = slices.Clone(sale.Items)
	for i, line := range sale.Items {
		if line.ProductID <= 0 {
			sale.Items[i].ProductID = 0
			continue
		}
		product := s.products[line.ProductID]
		product.Stock -= line.Quantity
		s.products[line.ProductID] = product
		sale.Items[i].Name = product.Name
	}
	sale.Payments = slices.Clone(sale.Payments)

	stored := sale
	s.sales[sale.ID] = &stored
	out := s.cloneSale(&stored)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, store.ErrNotFound)
	}
	out := s.cloneSale(sale)
	for _, ret := range s.returns {
		if ret.OriginalTransactionID == id {
			out.Returns = append(out.Returns, cloneReturn(ret))
		}
	}
	return &out, nil
}

func (s *Store) ListPendingSales(_ context.Context) ([]domain.PendingSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.Status == domain.SaleStatusPending {
			pending = append(pending, *sale)
		}
	}
	slices.SortFunc(pending, func(a, b domain.Sale) int {
		if a.Timestamp == b.Timestamp {
			return compareInt64(b.ID, a.ID)
		}
		return compareInt64(b.Timestamp, a.Timestamp)
	})

	out := make([]domain.PendingSale, 0, len(pending))
	for _, sale := range pending {
		out = append(out, domain.PendingSale{
			ID:              sale.ID,
			Seller:          s.usernameByID(sale.UserID),
			CustomerID:      sale.CustomerID,
			FinalTotalCents: sale.FinalTotalCents,
			Date:            reconcile.MillisToTime(sale.Timestamp).Format(time.DateOnly),
		})
	}
	return out, nil
}

func (s *Store) ClosePendingSales(_ context.Context, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for _, id := range ids {
		sale, ok := s.sales[id]
		if !ok || sale.Status != domain.SaleStatusPending {
			continue
		}
		sale.Status = domain.SaleStatusClosed
		closed++
	}
	if closed == 0 {
		return 0, fmt.Errorf("pending sales: %w", store.ErrNotFound)
	}
	return closed, nil
}

func (s *Store) RecordReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[ret.OriginalTransactionID]; !ok {
		return nil, fmt.Errorf("transaction %d: %w", ret.OriginalTransactionID, store.ErrNotFound)
	}

	ret.ID = s.next("returns")
	ret.Items = slices.Clone(ret.Items)
	for i, line := range ret.Items {
		product, ok := s.products[line.ProductID]
		if line.ProductID <= 0 || !ok {
			ret.Items[i].ProductID = 0
			continue
		}
		product.Stock += line.Quantity
		s.products[line.ProductID] = product
	}
	ret.Payments = slices.Clone(ret.Payments)

	s.returns = append(s.returns, ret)
	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) RecordPurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[purchase.SupplierID]; !ok {
		return nil, fmt.Errorf("supplier %d: %w", purchase.SupplierID, store.ErrNotFound)
	}
	for _, line := range purchase.Items {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("product %d: %w", line.ProductID, store.ErrNotFound)
		}
	}

	purchase.ID = s.next("purchases")
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	purchase.Items = slices.Clone(purchase.Items)
	for _, line := range purchase.Items {
		product := s.products[line.ProductID]
		product.Stock += line.Quantity
		s.products[line.ProductID] = product
	}

	s.purchases = append(s.purchases, purchase)
	out := purchase
	out.Items = slices.Clone(purchase.Items)
	return &out, nil
}

func (s *Store) SearchPurchases(_ context.Context, search domain.PurchaseSearch) ([]domain.PurchaseSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	term := strings.ToLower(search.Term)
	matches := func(p domain.Purchase) bool {
		if term == "" {
			return true
		}
		switch search.Field {
		case domain.PurchaseSearchInvoice:
			return strconv.FormatInt(p.ID, 10) == term
		case domain.PurchaseSearchSupplier:
			return strings.Contains(strings.ToLower(s.suppliers[p.SupplierID].Name), term)
		case domain.PurchaseSearchProduct, domain.PurchaseSearchBarcode:
			for _, line := range p.Items {
				product := s.products[line.ProductID]
				field := product.Name
				if search.Field == domain.PurchaseSearchBarcode {
					field = product.Barcode
				}
				if strings.Contains(strings.ToLower(field), term) {
					return true
				}
			}
		}
		return false
	}

	out := make([]domain.PurchaseSummary, 0)
	for _, p := range s.purchases {
		if matches(p) {
			out = append(out, s.purchaseSummary(p))
		}
	}
	slices.SortFunc(out, func(a, b domain.PurchaseSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareInt64(b.ID, a.ID)
	})
	if search.Limit > 0 && len(out) > search.Limit {
		out = out[:search.Limit]
	}
	return out, nil
}

func (s *Store) GetPurchase(_ context.Context, id int64) (*domain.PurchaseDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.purchases {
		if p.ID != id {
			continue
		}
		detail := &domain.PurchaseDetail{
			PurchaseSummary: s.purchaseSummary(p),
			Items:           make([]domain.PurchaseDetailLine, 0, len(p.Items)),
		}
		for _, line := range p.Items {
			product := s.products[line.ProductID]
			detail.Items = append(detail.Items, domain.PurchaseDetailLine{
				ProductID:        line.ProductID,
				ProductName:      product.Name,
				Barcode:          product.Barcode,
				RetailPriceCents: product.PriceCents,
				Quantity:         line.Quantity,
				CostPriceCents:   line.CostPriceCents,
			})
		}
		return detail, nil
	}
	return nil, fmt.Errorf("purchase %d: %w", id, store.ErrNotFound)
}

func (s *Store) SearchSales(_ context.Context, search domain.SaleSearch) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if search.ID > 0 {
			if sale.ID != search.ID {
				continue
			}
		} else if sale.Timestamp < search.FromMillis || sale.Timestamp > search.ToMillis {
			continue
		}
		out = append(out, s.cloneSale(sale))
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		if a.Timestamp == b.Timestamp {
			return compareInt64(b.ID, a.ID)
		}
		return compareInt64(b.Timestamp, a.Timestamp)
	})
	if search.Limit > 0 && len(out) > search.Limit {
		out = out[:search.Limit]
	}
	return out, nil
}

func (s *Store) ListLedger(_ context.Context, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, len(s.sales)+len(s.returns)+len(s.purchases)+len(s.expenses))
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed {
			continue
		}
		entries = append(entries, domain.LedgerEntry{
			Type:        domain.LedgerSale,
			ID:          sale.ID,
			AmountCents: sale.FinalTotalCents,
			Date:        reconcile.MillisToTime(sale.Timestamp),
			Description: "Sale #" + strconv.FormatInt(sale.ID, 10),
		})
	}
	for _, ret := range s.returns {
		entries = append(entries, domain.LedgerEntry{
			Type:        domain.LedgerReturn,
			ID:          ret.ID,
			AmountCents: -ret.TotalCents,
			Date:        reconcile.MillisToTime(ret.Timestamp),
			Description: "Return for sale #" + strconv.FormatInt(ret.OriginalTransactionID, 10),
		})
	}
	for _, p := range s.purchases {
		supplier := s.suppliers[p.SupplierID].Name
		entries = append(entries, domain.LedgerEntry{
			Type:        domain.LedgerPurchase,
			ID:          p.ID,
			AmountCents: -p.TotalAmountCents,
			Date:        p.CreatedAt.UTC(),
			Description: "Purchase from " + supplier,
			Party:       supplier,
		})
	}
	for _, e := range s.expenses {
		entries = append(entries, domain.LedgerEntry{
			Type:        domain.LedgerExpense,
			ID:          e.ID,
			AmountCents: -e.AmountCents,
			Date:        e.CreatedAt.UTC(),
			Description: e.Description,
			Party:       e.Category,
		})
	}
	slices.SortStableFunc(entries, func(a, b domain.LedgerEntry) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return compareInt64(b.ID, a.ID)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) purchaseSummary(p domain.Purchase) domain.PurchaseSummary {
	return domain.PurchaseSummary{
		ID:               p.ID,
		SupplierID:       p.SupplierID,
		SupplierName:     s.suppliers[p.SupplierID].Name,
		UserID:           p.UserID,
		Username:         s.usernameByID(p.UserID),
		TotalAmountCents: p.TotalAmountCents,
		CreatedAt:        p.CreatedAt.UTC(),
	}
}

func (s *Store) CloseShift(_ context.Context, input domain.ShiftClose) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var start int64
	for _, shift := range s.shifts {
		if shift.EndTime > start {
			start = shift.EndTime
		}
	}
	end := reconcile.TimeToMillis(input.ClosedAt)
	if end < start {
		return nil, fmt.Errorf("shift ending before %d: %w", start, store.ErrConflict)
	}
	for _, shift := range s.shifts {
		if shift.StartTime == start {
			return nil, fmt.Errorf("shift starting at %d: %w", start, store.ErrConflict)
		}
	}

	totals := s.shiftTotals(start, end)
	shift := reconcile.ReconcileShift(totals, reconcile.ActualCounts{
		CashCents: input.ActualCashCents,
		CardCents: input.ActualCardCents,
	})
	shift.ID = s.next("shifts")
	shift.UserID = input.UserID
	shift.StartTime = start
	shift.EndTime = end
	s.shifts = append(s.shifts, shift)

	shift.Username = s.usernameByID(shift.UserID)
	return &shift, nil
}

// shiftTotals sums the half-open period (start, end].
func (s *Store) shiftTotals(start int64, end int64) domain.ShiftTotals {
	totals := domain.ShiftTotals{
		Sales:   make(map[string]int64),
		Returns: make(map[string]int64),
	}
	inPeriod := func(ts int64) bool { return ts > start && ts <= end }

	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed || !inPeriod(sale.Timestamp) {
			continue
		}
		for _, p := range sale.Payments {
			totals.Sales[p.Method] += p.AmountCents
		}
	}
	for _, ret := range s.returns {
		if !inPeriod(ret.Timestamp) {
			continue
		}
		for _, p := range ret.Payments {
			totals.Returns[p.Method] += p.AmountCents
		}
	}

	from, to := reconcile.MillisToTime(start), reconcile.MillisToTime(end)
	for _, expense := range s.expenses {
		if expense.CreatedAt.After(from) && !expense.CreatedAt.After(to) {
			totals.ExpensesCents += expense.AmountCents
		}
	}
	return totals
}

func (s *Store) ListShiftsEndingBetween(_ context.Context, fromMillis int64, toMillis int64) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Shift, 0)
	for _, shift := range s.shifts {
		if shift.EndTime < fromMillis || shift.EndTime > toMillis {
			continue
		}
		shift.Username = s.usernameByID(shift.UserID)
		out = append(out, shift)
	}
	slices.SortFunc(out, func(a, b domain.Shift) int {
		return compareInt64(b.EndTime, a.EndTime)
	})
	return out, nil
}

func (s *Store) StartInventoryCount(_ context.Context, userID int64, scope domain.CountScope, at time.Time) (*domain.InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, count := range s.counts {
		if count.Status == domain.CountStatusInProgress {
			return nil, fmt.Errorf("inventory count %d in progress: %w", count.ID, store.ErrConflict)
		}
	}

	products, err := s.productsInScope(scope)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("products for %s scope: %w", scope.Type, store.ErrNotFound)
	}

	count := &domain.InventoryCount{
		ID:         s.next("inventory_counts"),
		UserID:     userID,
		CountType:  scope.Type,
		CountScope: scope.Scope,
		Status:     domain.CountStatusInProgress,
		CreatedAt:  at,
		Items:      make([]domain.InventoryCountItem, 0, len(products)),
	}
	for _, p := range products {
		item := domain.InventoryCountItem{
			ID:               s.next("inventory_count_items"),
			InventoryCountID: count.ID,
			ProductID:        p.ID,
			ExpectedQuantity: p.Stock,
		}
		count.Items = append(count.Items, item)
		s.countItems[item.ID] = count.ID
	}
	s.counts[count.ID] = count

	out := s.cloneCount(count)
	return &out, nil
}

func (s *Store) GetActiveInventoryCount(_ context.Context) (*domain.InventoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, count := range s.counts {
		if count.Status == domain.CountStatusInProgress {
			out := s.cloneCount(count)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("active inventory count: %w", store.ErrNotFound)
}

func (s *Store) UpdateInventoryCountItem(_ context.Context, itemID int64, counted *int) (*domain.InventoryCountItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	countID, ok := s.countItems[itemID]
	if !ok {
		return nil, fmt.Errorf("inventory count item %d: %w", itemID, store.ErrNotFound)
	}
	count := s.counts[countID]
	if count.Status != domain.CountStatusInProgress {
		return nil, fmt.Errorf("inventory count %d is %s: %w", count.ID, count.Status, store.ErrConflict)
	}

	for i := range count.Items {
		if count.Items[i].ID != itemID {
			continue
		}
		if counted == nil {
			count.Items[i].CountedQuantity = nil
		} else {
			v := *counted
			count.Items[i].CountedQuantity = &v
		}
		item := s.hydrateItem(count.Items[i])
		return &item, nil
	}
	return nil, fmt.Errorf("inventory count item %d: %w", itemID, store.ErrNotFound)
}

func (s *Store) FinalizeInventoryCount(_ context.Context, countID int64, at time.Time) (*domain.InventoryFinalizeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.counts[countID]
	if !ok {
		return nil, fmt.Errorf("inventory count %d: %w", countID, store.ErrNotFound)
	}
	if count.Status != domain.CountStatusInProgress {
		return nil, fmt.Errorf("inventory count %d is %s: %w", countID, count.Status, store.ErrConflict)
	}

	items := make([]domain.InventoryCountItem, 0, len(count.Items))
	for _, item := range count.Items {
		items = append(items, s.hydrateItem(item))
	}
	adjustments, total := reconcile.FinalizeCount(items)
	for _, adj := range adjustments {
		product, ok := s.products[adj.ProductID]
		if !ok {
			continue
		}
		product.Stock = adj.CountedQuantity
		s.products[adj.ProductID] = product
	}

	finalizedAt := at
	count.Status = domain.CountStatusCompleted
	count.FinalizedAt = &finalizedAt

	return &domain.InventoryFinalizeResponse{
		InventoryCountID:        count.ID,
		Status:                  count.Status,
		FinalizedAt:             finalizedAt,
		TotalVarianceValueCents: total,
		Adjustments:             adjustments,
	}, nil
}

func (s *Store) ListWorksheet(_ context.Context, scope domain.CountScope) ([]domain.WorksheetRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products, err := s.productsInScope(scope)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.WorksheetRow, 0, len(products))
	for _, p := range products {
		rows = append(rows, domain.WorksheetRow{
			ProductID:  p.ID,
			Name:       p.Name,
			Barcode:    p.Barcode,
			PriceCents: p.PriceCents,
			Stock:      p.Stock,
		})
	}
	return rows, nil
}

// productsInScope returns the products a count with this scope covers, sorted by name.
func (s *Store) productsInScope(scope domain.CountScope) ([]domain.Product, error) {
	var match func(domain.Product) bool
	switch scope.Type {
	case domain.CountTypeAll:
		match = func(domain.Product) bool { return true }
	case domain.CountTypeCategory:
		match = func(p domain.Product) bool { return p.Category == scope.Scope }
	case domain.CountTypeSupplier:
		supplierID, err := scope.SupplierID()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		supplied := make(map[int64]bool)
		for _, purchase := range s.purchases {
			if purchase.SupplierID != supplierID {
				continue
			}
			for _, line := range purchase.Items {
				supplied[line.ProductID] = true
			}
		}
		match = func(p domain.Product) bool { return supplied[p.ID] }
	default:
		return nil, fmt.Errorf("count type %q: %w", scope.Type, store.ErrValidation)
	}

	products := make([]domain.Product, 0)
	for _, p := range s.products {
		if match(p) {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return compareInt64(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) SalesSummary(_ context.Context, fromMillis int64, toMillis int64) (*domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &domain.SalesSummary{
		SalesOverTime:   make([]domain.DailyRevenue, 0),
		TopProducts:     make([]domain.ProductQuantity, 0),
		WorstProducts:   make([]domain.ProductQuantity, 0),
		SalesByCategory: make([]domain.CategoryRevenue, 0),
	}
	daily := make(map[string]int64)
	qtyByName := make(map[string]int64)
	revenueByCategory := make(map[string]int64)

	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed || sale.Timestamp < fromMillis || sale.Timestamp > toMillis {
			continue
		}
		report.Summary.TransactionCount++
		report.Summary.TotalRevenue += sale.FinalTotalCents
		daily[reconcile.MillisToTime(sale.Timestamp).Format(time.DateOnly)] += sale.FinalTotalCents

		for _, line := range sale.Items {
			report.Summary.TotalItemsSold += int64(line.Quantity)
			product, ok := s.products[line.ProductID]
			if line.ProductID <= 0 || !ok {
				continue
			}
			report.Summary.TotalCOGS += int64(line.Quantity) * product.CostCents
			qtyByName[product.Name] += int64(line.Quantity)
			if product.Category != "" {
				revenueByCategory[product.Category] += int64(line.Quantity) * line.PriceCents
			}
		}
	}
	report.Summary.GrossProfit = report.Summary.TotalRevenue - report.Summary.TotalCOGS

	for date, revenue := range daily {
		report.SalesOverTime = append(report.SalesOverTime, domain.DailyRevenue{Date: date, RevenueCents: revenue})
	}
	slices.SortFunc(report.SalesOverTime, func(a, b domain.DailyRevenue) int {
		return strings.Compare(a.Date, b.Date)
	})

	for name, qty := range qtyByName {
		report.TopProducts = append(report.TopProducts, domain.ProductQuantity{Name: name, TotalQuantity: qty})
	}
	slices.SortFunc(report.TopProducts, func(a, b domain.ProductQuantity) int {
		if a.TotalQuantity == b.TotalQuantity {
			return strings.Compare(a.Name, b.Name)
		}
		return compareInt64(b.TotalQuantity, a.TotalQuantity)
	})
	if len(report.TopProducts) > 5 {
		report.TopProducts = report.TopProducts[:5]
	}

	// Worst sellers include products that did not sell at all.
	seen := make(map[string]bool)
	for _, p := range s.products {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		report.WorstProducts = append(report.WorstProducts, domain.ProductQuantity{Name: p.Name, TotalQuantity: qtyByName[p.Name]})
	}
	slices.SortFunc(report.WorstProducts, func(a, b domain.ProductQuantity) int {
		if a.TotalQuantity == b.TotalQuantity {
			return strings.Compare(a.Name, b.Name)
		}
		return compareInt64(a.TotalQuantity, b.TotalQuantity)
	})
	if len(report.WorstProducts) > 5 {
		report.WorstProducts = report.WorstProducts[:5]
	}

	for category, revenue := range revenueByCategory {
		report.SalesByCategory = append(report.SalesByCategory, domain.CategoryRevenue{Category: category, RevenueCents: revenue})
	}
	slices.SortFunc(report.SalesByCategory, func(a, b domain.CategoryRevenue) int {
		if a.RevenueCents == b.RevenueCents {
			return strings.Compare(a.Category, b.Category)
		}
		return compareInt64(b.RevenueCents, a.RevenueCents)
	})

	return report, nil
}

func (s *Store) ListLowStock(_ context.Context, sinceMillis int64) ([]domain.LowStockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	velocity := make(map[int64]int64)
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed || sale.Timestamp < sinceMillis {
			continue
		}
		for _, line := range sale.Items {
			if line.ProductID > 0 {
				velocity[line.ProductID] += int64(line.Quantity)
			}
		}
	}

	// Last supplier is the highest supplier id seen on the product's purchases.
	lastSupplier := make(map[int64]int64)
	for _, purchase := range s.purchases {
		for _, line := range purchase.Items {
			if purchase.SupplierID > lastSupplier[line.ProductID] {
				lastSupplier[line.ProductID] = purchase.SupplierID
			}
		}
	}

	rows := make([]domain.LowStockRow, 0)
	for _, p := range s.products {
		if p.Stock >= p.MinStock {
			continue
		}
		row := domain.LowStockRow{
			ProductID:        p.ID,
			Name:             p.Name,
			Stock:            p.Stock,
			MinStock:         p.MinStock,
			Shortage:         p.MinStock - p.Stock,
			CostCents:        p.CostCents,
			SalesVelocity30d: velocity[p.ID],
		}
		if supplier, ok := s.suppliers[lastSupplier[p.ID]]; ok {
			row.SupplierName = supplier.Name
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b domain.LowStockRow) int {
		if a.Shortage == b.Shortage {
			return strings.Compare(a.Name, b.Name)
		}
		return b.Shortage - a.Shortage
	})
	return rows, nil
}

func (s *Store) SoldProducts(_ context.Context, filter domain.SoldProductsFilter) (*domain.SoldProductsPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sold := make(map[int64]*domain.SoldProductRow)
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed || sale.Timestamp < filter.FromMillis || sale.Timestamp > filter.ToMillis {
			continue
		}
		for _, line := range sale.Items {
			if line.ProductID <= 0 {
				continue
			}
			row, ok := sold[line.ProductID]
			if !ok {
				row = &domain.SoldProductRow{ProductID: line.ProductID}
				sold[line.ProductID] = row
			}
			row.SoldQty += int64(line.Quantity)
			row.RevenueCents += int64(line.Quantity) * line.PriceCents
		}
	}
	for _, ret := range s.returns {
		if ret.Timestamp < filter.FromMillis || ret.Timestamp > filter.ToMillis {
			continue
		}
		for _, line := range ret.Items {
			if row, ok := sold[line.ProductID]; ok {
				row.ReturnedQty += int64(line.Quantity)
			}
		}
	}

	query := strings.ToLower(filter.Query)
	rows := make([]domain.SoldProductRow, 0, len(sold))
	for id, row := range sold {
		p, ok := s.products[id]
		if !ok {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) && !strings.Contains(strings.ToLower(p.Barcode), query) {
			continue
		}
		row.ProductName = p.Name
		row.Barcode = p.Barcode
		row.Category = p.Category
		row.Stock = p.Stock
		row.NetQty = row.SoldQty - row.ReturnedQty
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b domain.SoldProductRow) int {
		if a.NetQty == b.NetQty {
			return compareInt64(a.ProductID, b.ProductID)
		}
		return compareInt64(b.NetQty, a.NetQty)
	})

	page := &domain.SoldProductsPage{
		Data:       make([]domain.SoldProductRow, 0),
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalCount: int64(len(rows)),
	}
	offset := (filter.Page - 1) * filter.PerPage
	if offset >= 0 && offset < len(rows) {
		end := min(offset+filter.PerPage, len(rows))
		page.Data = append(page.Data, rows[offset:end]...)
	}
	return page, nil
}

func (s *Store) ProductHistory(_ context.Context, productID int64) ([]domain.ProductMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}

	movements := make([]domain.ProductMovement, 0)
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusClosed {
			continue
		}
		for _, line := range sale.Items {
			if line.ProductID != productID {
				continue
			}
			movements = append(movements, domain.ProductMovement{
				Type:           "Sale",
				RelatedID:      sale.ID,
				Timestamp:      sale.Timestamp,
				QuantityChange: -line.Quantity,
				Notes:          "Sale to customer #" + strconv.FormatInt(sale.CustomerID, 10),
			})
		}
	}
	for _, purchase := range s.purchases {
		for _, line := range purchase.Items {
			if line.ProductID != productID {
				continue
			}
			movements = append(movements, domain.ProductMovement{
				Type:           "Purchase",
				RelatedID:      purchase.ID,
				Timestamp:      reconcile.TimeToMillis(purchase.CreatedAt),
				QuantityChange: line.Quantity,
				Notes:          "Purchase from supplier #" + strconv.FormatInt(purchase.SupplierID, 10),
			})
		}
	}
	for _, ret := range s.returns {
		for _, line := range ret.Items {
			if line.ProductID != productID {
				continue
			}
			movements = append(movements, domain.ProductMovement{
				Type:           "Return",
				RelatedID:      ret.ID,
				Timestamp:      ret.Timestamp,
				QuantityChange: line.Quantity,
				Notes:          "Return on invoice #" + strconv.FormatInt(ret.OriginalTransactionID, 10),
			})
		}
	}
	slices.SortStableFunc(movements, func(a, b domain.ProductMovement) int {
		return compareInt64(b.Timestamp, a.Timestamp)
	})
	return movements, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := slices.Clone(s.auditLogs)
	slices.Reverse(logs)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return nil, fmt.Errorf("username %s: %w", user.Username, store.ErrConflict)
	}
	user.ID = s.next("users")
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[user.Username] = user
	created := user.User
	return &created, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, account := range s.users {
		users = append(users, account.User)
	}
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return &account, nil
}

func (s *Store) usernameByID(id int64) string {
	for _, account := range s.users {
		if account.ID == id {
			return account.Username
		}
	}
	return ""
}

func (s *Store) hydrateItem(item domain.InventoryCountItem) domain.InventoryCountItem {
	if product, ok := s.products[item.ProductID]; ok {
		item.Name = product.Name
		item.Barcode = product.Barcode
		item.CostCents = product.CostCents
	}
	if item.CountedQuantity != nil {
		v := *item.CountedQuantity
		item.CountedQuantity = &v
	}
	return item
}

func (s *Store) cloneCount(src *domain.InventoryCount) domain.InventoryCount {
	out := *src
	out.Items = make([]domain.InventoryCountItem, 0, len(src.Items))
	for _, item := range src.Items {
		out.Items = append(out.Items, s.hydrateItem(item))
	}
	if src.FinalizedAt != nil {
		at := *src.FinalizedAt
		out.FinalizedAt = &at
	}
	return out
}

func (s *Store) cloneSale(src *domain.Sale) domain.Sale {
	out := *src
	out.Items = slices.Clone(src.Items)
	out.Payments = slices.Clone(src.Payments)
	out.Returns = nil
	out.Username = s.usernameByID(src.UserID)
	return out
}

func cloneReturn(src domain.Return) domain.Return {
	out := src
	out.Items = slices.Clone(src.Items)
	out.Payments = slices.Clone(src.Payments)
	return out
}

func compareInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
