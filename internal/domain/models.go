package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentWallet   PaymentMethod = "wallet"
)

// KnownPaymentMethods is the fixed enumeration used by sales and the daily
// closing. Anything else folds into cash at reconciliation time.
var KnownPaymentMethods = []PaymentMethod{PaymentCash, PaymentCard, PaymentTransfer, PaymentWallet}

func (m PaymentMethod) Known() bool {
	for _, known := range KnownPaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

type Product struct {
	ID             string           `json:"id"`
	SKU            string           `json:"sku"`
	Name           string           `json:"name"`
	Category       string           `json:"category"`
	PriceNet       decimal.Decimal  `json:"price_net"`
	PriceGross     decimal.Decimal  `json:"price_gross"`
	WholesaleNet   *decimal.Decimal `json:"wholesale_net,omitempty"`
	WholesaleGross *decimal.Decimal `json:"wholesale_gross,omitempty"`
	OnOffer        bool             `json:"on_offer"`
	OfferNet       *decimal.Decimal `json:"offer_net,omitempty"`
	OfferGross     *decimal.Decimal `json:"offer_gross,omitempty"`
	Stock          int              `json:"stock"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// BarcodeBatch is one scannable lot of a product. Its quantity and the owning
// product's stock counter always move in lockstep; a batch is removed the
// moment it reaches zero.
type BarcodeBatch struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Code      string    `json:"code"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusVoided    = "voided"
)

type Sale struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	CashierID     string          `json:"cashier_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	SubtotalNet   decimal.Decimal `json:"subtotal_net"`
	SubtotalGross decimal.Decimal `json:"subtotal_gross"`
	Discount      decimal.Decimal `json:"discount"`
	TotalNet      decimal.Decimal `json:"total_net"`
	TotalGross    decimal.Decimal `json:"total_gross"`
	Fiscal        *FiscalDocument `json:"fiscal,omitempty"`
	FiscalIssued  bool            `json:"fiscal_issued"`
	Status        string          `json:"status"`
	VoidReason    string          `json:"void_reason,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	TableNumber   *int            `json:"table_number,omitempty"`
	Lines         []SaleLineItem  `json:"lines"`
}

type SaleLineItem struct {
	ProductID     string             `json:"product_id"`
	ProductName   string             `json:"product_name"`
	Quantity      int                `json:"quantity"`
	UnitNet       decimal.Decimal    `json:"unit_net"`
	UnitGross     decimal.Decimal    `json:"unit_gross"`
	Discounted    bool               `json:"discounted"`
	Wholesale     bool               `json:"wholesale"`
	SubtotalNet   decimal.Decimal    `json:"subtotal_net"`
	SubtotalGross decimal.Decimal    `json:"subtotal_gross"`
	// ConsumedBatches records exactly which batches this line drained so a
	// later void can put the stock back where it came from.
	ConsumedBatches []BatchConsumption `json:"consumed_batches"`
}

type BatchConsumption struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// SavedCart holds the staged items of one dine-in table before finalization.
// There is at most one row per table number and it is reused in place.
type SavedCart struct {
	TableNumber int        `json:"table_number"`
	Items       []CartItem `json:"items"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CashClosing struct {
	ID              string          `json:"id"`
	Day             time.Time       `json:"day"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at"`
	TotalCash       decimal.Decimal `json:"total_cash"`
	TotalCard       decimal.Decimal `json:"total_card"`
	TotalTransfer   decimal.Decimal `json:"total_transfer"`
	TotalWallet     decimal.Decimal `json:"total_wallet"`
	ExpenseTotal    decimal.Decimal `json:"expense_total"`
	CashOnHand      decimal.Decimal `json:"cash_on_hand"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	Notes           string          `json:"notes"`
}

const (
	ExpensePending  = "pending"
	ExpenseApproved = "approved"
	ExpenseRejected = "rejected"
)

// PersonalExpense is read-only input for the reconciliation calculator;
// creation and approval live in a collaborating module.
type PersonalExpense struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	ExpenseDate time.Time       `json:"expense_date"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
}

// SaleDraft is a validated sale handed to the repository for atomic
// execution: batch resolution, stock decrement, pricing, fiscal number
// allocation and persistence all happen inside one unit of work.
type SaleDraft struct {
	ID            string
	CreatedAt     time.Time
	CashierID     string
	PaymentMethod PaymentMethod
	Lines         []SaleLineRequest
	Discount      decimal.Decimal
	Fiscal        *FiscalDocument
	TableNumber   *int
}

type SaleLineRequest struct {
	Code          string           `json:"code"`
	Quantity      int              `json:"quantity"`
	Wholesale     bool             `json:"wholesale,omitempty"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
}

type CreateSaleRequest struct {
	CashierID     string                 `json:"cashier_id"`
	PaymentMethod string                 `json:"payment_method"`
	Lines         []SaleLineRequest      `json:"lines"`
	Discount      *decimal.Decimal       `json:"discount,omitempty"`
	Fiscal        *FiscalDocumentRequest `json:"fiscal_document,omitempty"`
	// TableNumber marks a dine-in sale. A sale without one is a delivery and
	// gets a kitchen ticket numbered above the dine-in range.
	TableNumber *int `json:"table_number,omitempty"`
}

type CreateSaleResponse struct {
	Sale Sale `json:"sale"`
}

type VoidSaleRequest struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason"`
}

type TableSaveRequest struct {
	TableNumber int        `json:"table_number"`
	Items       []CartItem `json:"items"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for operator credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
