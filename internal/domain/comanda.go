package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ComandaStatus string

const (
	ComandaPending    ComandaStatus = "pending"
	ComandaInProgress ComandaStatus = "in_progress"
	ComandaReady      ComandaStatus = "ready"
	ComandaDelivered  ComandaStatus = "delivered"
	ComandaExpired    ComandaStatus = "expired"
)

func (s ComandaStatus) Valid() bool {
	switch s {
	case ComandaPending, ComandaInProgress, ComandaReady, ComandaDelivered, ComandaExpired:
		return true
	}
	return false
}

// Terminal reports whether the ticket can never leave this status again.
func (s ComandaStatus) Terminal() bool {
	return s == ComandaDelivered || s == ComandaExpired
}

// comandaTransitions is the exhaustive legal-transition table. Expiry applies
// only to delivery tickets and is additionally guarded by Comanda.Type.
var comandaTransitions = map[ComandaStatus][]ComandaStatus{
	ComandaPending:    {ComandaInProgress, ComandaReady, ComandaDelivered, ComandaExpired},
	ComandaInProgress: {ComandaReady, ComandaDelivered},
	ComandaReady:      {ComandaDelivered},
	ComandaDelivered:  {},
	ComandaExpired:    {},
}

func (s ComandaStatus) CanTransitionTo(next ComandaStatus) bool {
	for _, allowed := range comandaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ComandaType string

const (
	ComandaDineIn   ComandaType = "dine_in"
	ComandaDelivery ComandaType = "delivery"
)

const (
	// Dine-in slots are table numbers 1..MaxDineInTable, reused across many
	// tickets. Delivery numbers start right above and auto-increment.
	MaxDineInTable      = 15
	FirstDeliveryNumber = 16
)

type Comanda struct {
	ID           string          `json:"id"`
	Number       int             `json:"number"`
	Type         ComandaType     `json:"type"`
	Status       ComandaStatus   `json:"status"`
	Active       bool            `json:"active"`
	Items        []ComandaItem   `json:"items"`
	TotalGross   decimal.Decimal `json:"total_gross"`
	SourceSaleID string          `json:"source_sale_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

type ComandaItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitGross   decimal.Decimal `json:"unit_gross"`
}

type ComandaFilter struct {
	Status ComandaStatus
	Type   ComandaType
	// Day filters by creation date when non-zero.
	Day        time.Time
	ActiveOnly bool
}

type ComandaUpsertRequest struct {
	TableNumber int        `json:"table_number"`
	Items       []CartItem `json:"items"`
}

type ComandaTransitionRequest struct {
	Status string `json:"status"`
}
