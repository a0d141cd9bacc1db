package domain

import "time"

type Product struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Barcode             string `json:"barcode"`
	Category            string `json:"category"`
	CostCents           int64  `json:"cost_cents"`
	PriceCents          int64  `json:"price_cents"`
	WholesalePriceCents int64  `json:"wholesale_price_cents"`
	Stock               int    `json:"stock"`
	MinStock            int    `json:"min_stock"`
}

type ProductCreateRequest struct {
	Name                string `json:"name"`
	Barcode             string `json:"barcode"`
	Category            string `json:"category"`
	CostCents           int64  `json:"cost_cents"`
	PriceCents          int64  `json:"price_cents"`
	WholesalePriceCents int64  `json:"wholesale_price_cents"`
	Stock               int    `json:"stock"`
	MinStock            int    `json:"min_stock"`
}

type Supplier struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	User        User   `json:"user"`
}

// Actor is the authenticated caller attached to a request context.
type Actor struct {
	UserID      int64
	Username    string
	Role        string
	Permissions Permission
}

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	Permissions Permission `json:"permissions"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	User
	PasswordHash string
}

type UserCreateRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

type Payment struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

// SaleLine is one cart line. ProductID <= 0 marks a manual, non-catalog line.
type SaleLine struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

type Sale struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Username        string     `json:"username,omitempty"`
	CustomerID      int64      `json:"customer_id,omitempty"`
	Status          string     `json:"status"`
	TotalCents      int64      `json:"total_cents"`
	DiscountCents   int64      `json:"discount_cents"`
	FinalTotalCents int64      `json:"final_total_cents"`
	Notes           string     `json:"notes,omitempty"`
	IsDelivery      bool       `json:"is_delivery"`
	Timestamp       int64      `json:"timestamp"`
	Items           []SaleLine `json:"items"`
	Payments        []Payment  `json:"payment_methods"`
	Returns         []Return   `json:"returns,omitempty"`
}

type SaleRequest struct {
	CustomerID    int64      `json:"customer_id"`
	DiscountCents int64      `json:"discount_cents"`
	Notes         string     `json:"notes"`
	IsDelivery    bool       `json:"is_delivery"`
	Pending       bool       `json:"pending"`
	Items         []SaleLine `json:"items"`
	Payments      []Payment  `json:"payment_methods"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type PendingSale struct {
	ID              int64  `json:"id"`
	Seller          string `json:"seller"`
	CustomerID      int64  `json:"customer_id,omitempty"`
	FinalTotalCents int64  `json:"final_total_cents"`
	Date            string `json:"date"`
}

type CloseSalesRequest struct {
	IDs []int64 `json:"ids"`
}

type CloseSalesResponse struct {
	Closed int `json:"closed"`
}

// ReturnLine is a returned line. ProductID <= 0 marks a return of a manual line.
type ReturnLine struct {
	ProductID  int64 `json:"product_id"`
	Quantity   int   `json:"quantity"`
	PriceCents int64 `json:"price_cents"`
}

type Return struct {
	ID                    int64        `json:"id"`
	OriginalTransactionID int64        `json:"original_transaction_id"`
	UserID                int64        `json:"user_id"`
	TotalCents            int64        `json:"total_amount_cents"`
	Notes                 string       `json:"notes,omitempty"`
	Timestamp             int64        `json:"timestamp"`
	Items                 []ReturnLine `json:"items"`
	Payments              []Payment    `json:"payment_methods"`
}

type ReturnRequest struct {
	OriginalTransactionID int64        `json:"original_transaction_id"`
	Notes                 string       `json:"notes"`
	Items                 []ReturnLine `json:"items"`
	Payments              []Payment    `json:"payment_methods"`
}

type ReturnResponse struct {
	Return Return `json:"return"`
}

type PurchaseLine struct {
	ProductID      int64 `json:"product_id"`
	Quantity       int   `json:"quantity"`
	CostPriceCents int64 `json:"cost_price_cents"`
}

type Purchase struct {
	ID               int64          `json:"id"`
	SupplierID       int64          `json:"supplier_id"`
	UserID           int64          `json:"user_id"`
	TotalAmountCents int64          `json:"total_amount_cents"`
	CreatedAt        time.Time      `json:"created_at"`
	Items            []PurchaseLine `json:"items"`
}

type PurchaseRequest struct {
	SupplierID       int64          `json:"supplier_id"`
	TotalAmountCents int64          `json:"total_amount_cents"`
	Items            []PurchaseLine `json:"items"`
}

type PurchaseResponse struct {
	Purchase Purchase `json:"purchase"`
}

// PurchaseSummary is a purchase header joined to its supplier and buyer.
type PurchaseSummary struct {
	ID               int64     `json:"id"`
	SupplierID       int64     `json:"supplier_id"`
	SupplierName     string    `json:"supplier_name"`
	UserID           int64     `json:"user_id"`
	Username         string    `json:"username"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

type PurchaseDetailLine struct {
	ProductID        int64  `json:"product_id"`
	ProductName      string `json:"product_name"`
	Barcode          string `json:"barcode"`
	RetailPriceCents int64  `json:"retail_price_cents"`
	Quantity         int    `json:"quantity"`
	CostPriceCents   int64  `json:"cost_price_cents"`
}

type PurchaseDetail struct {
	PurchaseSummary
	Items []PurchaseDetailLine `json:"items"`
}

// PurchaseSearch matches purchases on one field. An empty Term lists the newest purchases.
type PurchaseSearch struct {
	Field string
	Term  string
	Limit int
}

// SaleSearch selects sales by ID, or by timestamp window when ID is zero.
type SaleSearch struct {
	ID         int64
	FromMillis int64
	ToMillis   int64
	Limit      int
}

// LedgerEntry is one row of the combined money ledger. Outflows are negative.
type LedgerEntry struct {
	Type        string    `json:"type"`
	ID          int64     `json:"id"`
	AmountCents int64     `json:"amount_cents"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Party       string    `json:"party,omitempty"`
}

type Expense struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category,omitempty"`
	ExpenseDate string    `json:"expense_date"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
	ExpenseDate string `json:"expense_date"`
}

// ShiftTotals are the raw per-method sums for one shift period.
type ShiftTotals struct {
	Sales         map[string]int64
	Returns       map[string]int64
	ExpensesCents int64
}

type ShiftCloseRequest struct {
	ActualCashCents *int64 `json:"actual_cash_cents"`
	ActualCardCents *int64 `json:"actual_card_cents"`
}

// ShiftClose is the repository input for closing the open shift period.
type ShiftClose struct {
	UserID          int64
	ActualCashCents int64
	ActualCardCents int64
	ClosedAt        time.Time
}

type Shift struct {
	ID                    int64  `json:"id"`
	UserID                int64  `json:"user_id"`
	Username              string `json:"username"`
	StartTime             int64  `json:"start_time"`
	EndTime               int64  `json:"end_time"`
	ExpectedCashCents     int64  `json:"expected_cash_cents"`
	ActualCashCents       int64  `json:"actual_cash_cents"`
	ExpectedCardCents     int64  `json:"expected_card_cents"`
	ActualCardCents       int64  `json:"actual_card_cents"`
	ExpectedWalletCents   int64  `json:"expected_wallet_cents"`
	ExpectedInstapayCents int64  `json:"expected_instapay_cents"`
	ExpectedCreditCents   int64  `json:"expected_credit_cents"`
	TotalExpensesCents    int64  `json:"total_expenses_cents"`
	VarianceCents         int64  `json:"variance_cents"`
	Status                string `json:"status"`
}

type ShiftResponse struct {
	Shift Shift `json:"shift"`
}

type CountScope struct {
	Type  string `json:"count_type"`
	Scope string `json:"count_scope,omitempty"`
}

type InventoryCountStartRequest struct {
	CountType  string `json:"count_type"`
	CountScope string `json:"count_scope"`
}

type InventoryCount struct {
	ID          int64                `json:"id"`
	UserID      int64                `json:"user_id"`
	CountType   string               `json:"count_type"`
	CountScope  string               `json:"count_scope,omitempty"`
	Status      string               `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	FinalizedAt *time.Time           `json:"finalized_at,omitempty"`
	Items       []InventoryCountItem `json:"items"`
}

type InventoryCountItem struct {
	ID               int64  `json:"id"`
	InventoryCountID int64  `json:"inventory_count_id"`
	ProductID        int64  `json:"product_id"`
	Name             string `json:"name"`
	Barcode          string `json:"barcode"`
	CostCents        int64  `json:"cost_cents"`
	ExpectedQuantity int    `json:"expected_quantity"`
	CountedQuantity  *int   `json:"counted_quantity"`
}

type InventoryCountResponse struct {
	InventoryCount InventoryCount `json:"inventory_count"`
}

type CountItemUpdateRequest struct {
	CountedQuantity *int `json:"counted_quantity"`
}

type CountAdjustment struct {
	ProductID          int64 `json:"product_id"`
	ExpectedQuantity   int   `json:"expected_quantity"`
	CountedQuantity    int   `json:"counted_quantity"`
	Variance           int   `json:"variance"`
	CostCents          int64 `json:"cost_cents"`
	VarianceValueCents int64 `json:"variance_value_cents"`
}

type InventoryFinalizeResponse struct {
	InventoryCountID        int64             `json:"inventory_count_id"`
	Status                  string            `json:"status"`
	FinalizedAt             time.Time         `json:"finalized_at"`
	TotalVarianceValueCents int64             `json:"total_variance_value_cents"`
	Adjustments             []CountAdjustment `json:"adjustments"`
}

type WorksheetRow struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name"`
	Barcode    string `json:"barcode"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
}

type SalesSummaryTotals struct {
	TransactionCount int64 `json:"transaction_count"`
	TotalRevenue     int64 `json:"total_revenue_cents"`
	TotalItemsSold   int64 `json:"total_items_sold"`
	TotalCOGS        int64 `json:"total_cogs_cents"`
	GrossProfit      int64 `json:"gross_profit_cents"`
}

type DailyRevenue struct {
	Date         string `json:"date"`
	RevenueCents int64  `json:"daily_revenue_cents"`
}

type ProductQuantity struct {
	Name          string `json:"name"`
	TotalQuantity int64  `json:"total_quantity"`
}

type CategoryRevenue struct {
	Category     string `json:"category"`
	RevenueCents int64  `json:"total_revenue_cents"`
}

type SalesSummary struct {
	Summary         SalesSummaryTotals `json:"summary"`
	SalesOverTime   []DailyRevenue     `json:"sales_over_time"`
	TopProducts     []ProductQuantity  `json:"top_products"`
	WorstProducts   []ProductQuantity  `json:"worst_products"`
	SalesByCategory []CategoryRevenue  `json:"sales_by_category"`
}

// LowStockRow is the raw store row; the derived fields are filled by the service.
type LowStockRow struct {
	ProductID             int64    `json:"id"`
	Name                  string   `json:"name"`
	Stock                 int      `json:"stock"`
	MinStock              int      `json:"min_stock"`
	Shortage              int      `json:"shortage"`
	CostCents             int64    `json:"cost_cents"`
	SupplierName          string   `json:"supplier_name,omitempty"`
	SalesVelocity30d      int64    `json:"sales_velocity_30d"`
	DaysOfStockLeft       *float64 `json:"days_of_stock_left"`
	RecommendedReorderQty int64    `json:"recommended_reorder_qty"`
}

type LowStockResponse struct {
	GeneratedAt string        `json:"generated_at"`
	Items       []LowStockRow `json:"items"`
}

type SoldProductsFilter struct {
	FromMillis int64
	ToMillis   int64
	Category   string
	Query      string
	Page       int
	PerPage    int
}

type SoldProductRow struct {
	ProductID    int64  `json:"product_id"`
	ProductName  string `json:"product_name"`
	Barcode      string `json:"barcode"`
	Category     string `json:"category"`
	Stock        int    `json:"stock"`
	SoldQty      int64  `json:"sold_qty"`
	RevenueCents int64  `json:"revenue_cents"`
	ReturnedQty  int64  `json:"returned_qty"`
	NetQty       int64  `json:"net_qty"`
}

type SoldProductsPage struct {
	Data       []SoldProductRow `json:"data"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	TotalCount int64            `json:"total_count"`
}

type ProductMovement struct {
	Type           string `json:"type"`
	RelatedID      int64  `json:"related_id"`
	Timestamp      int64  `json:"timestamp"`
	QuantityChange int    `json:"quantity_change"`
	Notes          string `json:"notes"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentWallet   = "wallet"
	PaymentInstapay = "instapay"
	PaymentCredit   = "credit"
)

// PaymentMethods lists every method the shift closer reconciles.
var PaymentMethods = []string{PaymentCash, PaymentCard, PaymentWallet, PaymentInstapay, PaymentCredit}

const (
	SaleStatusClosed  = "closed"
	SaleStatusPending = "pending"
)

const ShiftStatusClosed = "CLOSED"

const (
	PurchaseSearchInvoice  = "invoice_id"
	PurchaseSearchSupplier = "supplier_name"
	PurchaseSearchProduct  = "product_name"
	PurchaseSearchBarcode  = "product_barcode"
)

const (
	LedgerSale     = "sale"
	LedgerReturn   = "return"
	LedgerPurchase = "purchase"
	LedgerExpense  = "expense"
)

const (
	CountTypeAll      = "ALL"
	CountTypeCategory = "CATEGORY"
	CountTypeSupplier = "SUPPLIER"
)

const (
	CountStatusInProgress = "IN_PROGRESS"
	CountStatusCompleted  = "COMPLETED"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

func IsPaymentMethod(method string) bool {
	for _, m := range PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}
