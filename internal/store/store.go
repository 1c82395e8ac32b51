package store

import (
	"context"
	"errors"
	"time"

	"comandero/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidBarcode    = errors.New("invalid barcode")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConflict marks a lost race on a shared row (batch lock, closing day
	// uniqueness). Callers may retry.
	ErrConflict      = errors.New("concurrency conflict")
	ErrAlreadyClosed = errors.New("day already closed")
)

// Repository is the persistence boundary of the transaction core. CreateSale,
// VoidSale, CreateDeliveryComanda and CreateClosing are atomic units of work:
// either every effect commits or none does.
type Repository interface {
	// Products and the batch ledger.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetBatchByCode(ctx context.Context, code string) (*domain.BarcodeBatch, error)
	ReceiveBatch(ctx context.Context, batch domain.BarcodeBatch) (*domain.BarcodeBatch, error)

	// Sales.
	CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error)
	SetFiscalIssued(ctx context.Context, saleID string) error

	// Saved carts (one per dine-in table).
	GetSavedCart(ctx context.Context, tableNumber int) (*domain.SavedCart, error)
	SaveCart(ctx context.Context, cart domain.SavedCart) (*domain.SavedCart, error)
	ClearSavedCart(ctx context.Context, tableNumber int) error

	// Comandas.
	GetComandaByID(ctx context.Context, id string) (*domain.Comanda, error)
	GetActiveComandaByTable(ctx context.Context, tableNumber int) (*domain.Comanda, error)
	FindComandaBySourceSale(ctx context.Context, saleID string) (*domain.Comanda, error)
	ListComandas(ctx context.Context, filter domain.ComandaFilter) ([]domain.Comanda, error)
	SaveComanda(ctx context.Context, comanda domain.Comanda) (*domain.Comanda, error)
	CreateDeliveryComanda(ctx context.Context, comanda domain.Comanda) (*domain.Comanda, error)
	ExpireDeliveryComandas(ctx context.Context, now time.Time) (int, error)
	SoftDeleteComanda(ctx context.Context, id string, at time.Time) error

	// Daily closing and its read-only expense input.
	GetClosingForDay(ctx context.Context, day time.Time) (*domain.CashClosing, error)
	CreateClosing(ctx context.Context, closing domain.CashClosing) (*domain.CashClosing, error)
	ListApprovedExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.PersonalExpense, error)
	CreateExpense(ctx context.Context, expense domain.PersonalExpense) (*domain.PersonalExpense, error)

	// Operator accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
