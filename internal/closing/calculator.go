// Package closing computes the daily cash reconciliation and schedules its
// automatic end-of-day run.
package closing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
)

// Run outcomes. A day closes at most once; everything after the first
// successful run reports ReasonAlreadyClosed. ReasonSkipped marks a
// trigger the scheduler refused because another run was still in flight.
const (
	ReasonCreated       = "created"
	ReasonAlreadyClosed = "already_closed"
	ReasonNoSales       = "no_sales"
	ReasonError         = "error"
	ReasonSkipped       = "skipped"
)

type Result struct {
	Reason  string              `json:"reason"`
	Closing *domain.CashClosing `json:"closing,omitempty"`
	Err     string              `json:"error,omitempty"`
}

type Calculator struct {
	repo       store.Repository
	log        *logrus.Logger
	alertLimit decimal.Decimal
	loc        *time.Location
	nowFn      func() time.Time
}

func NewCalculator(repo store.Repository, logger *logrus.Logger, alertLimit decimal.Decimal, loc *time.Location) *Calculator {
	if logger == nil {
		logger = logrus.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	if alertLimit.Sign() <= 0 {
		alertLimit = decimal.RequireFromString("0.50")
	}
	return &Calculator{
		repo:       repo,
		log:        logger,
		alertLimit: alertLimit,
		loc:        loc,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// RunForDay reconciles one business day. The day is interpreted in the
// calculator's location; sales and expenses are windowed on [00:00, 24:00).
func (c *Calculator) RunForDay(ctx context.Context, day time.Time) Result {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	dayEnd := dayStart.Add(24 * time.Hour)

	if _, err := c.repo.GetClosingForDay(ctx, dayStart); err == nil {
		return Result{Reason: ReasonAlreadyClosed}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{Reason: ReasonError, Err: err.Error()}
	}

	sales, err := c.repo.ListSalesBetween(ctx, dayStart.UTC(), dayEnd.UTC())
	if err != nil {
		return Result{Reason: ReasonError, Err: err.Error()}
	}
	if len(sales) == 0 {
		return Result{Reason: ReasonNoSales}
	}

	totals := map[domain.PaymentMethod]decimal.Decimal{}
	openedAt := sales[0].CreatedAt
	for _, sale := range sales {
		method := sale.PaymentMethod
		if !method.Known() {
			// Legacy rows can carry retired method names. They count as
			// cash so the money does not vanish from the closing.
			c.log.WithFields(logrus.Fields{"sale_id": sale.ID, "method": method}).Warn("unknown payment method folded into cash")
			method = domain.PaymentCash
		}
		totals[method] = totals[method].Add(sale.TotalGross)
		if sale.CreatedAt.Before(openedAt) {
			openedAt = sale.CreatedAt
		}
	}

	expenses, err := c.repo.ListApprovedExpenses(ctx, dayStart.UTC(), dayEnd.UTC())
	if err != nil {
		return Result{Reason: ReasonError, Err: err.Error()}
	}
	expenseTotal := decimal.Zero
	for _, e := range expenses {
		expenseTotal = expenseTotal.Add(e.Amount)
	}

	cashTotal := totals[domain.PaymentCash]
	cashOnHand := cashTotal
	expectedBalance := cashTotal.Sub(expenseTotal)
	discrepancy := cashOnHand.Sub(expectedBalance)

	notes := ""
	if discrepancy.Abs().GreaterThanOrEqual(c.alertLimit) {
		notes = fmt.Sprintf("discrepancy %s exceeds alert limit %s", discrepancy.StringFixed(2), c.alertLimit.StringFixed(2))
		c.log.WithFields(logrus.Fields{
			"day":         dayStart.Format("2006-01-02"),
			"discrepancy": discrepancy.StringFixed(2),
		}).Warn("cash discrepancy above alert limit")
	}

	closing := domain.CashClosing{
		Day:             dayStart,
		OpenedAt:        openedAt,
		ClosedAt:        c.nowFn(),
		TotalCash:       cashTotal,
		TotalCard:       totals[domain.PaymentCard],
		TotalTransfer:   totals[domain.PaymentTransfer],
		TotalWallet:     totals[domain.PaymentWallet],
		ExpenseTotal:    expenseTotal,
		CashOnHand:      cashOnHand,
		ExpectedBalance: expectedBalance,
		Discrepancy:     discrepancy,
		Notes:           notes,
	}

	created, err := c.repo.CreateClosing(ctx, closing)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			return Result{Reason: ReasonAlreadyClosed}
		}
		return Result{Reason: ReasonError, Err: err.Error()}
	}

	c.log.WithFields(logrus.Fields{
		"day":   dayStart.Format("2006-01-02"),
		"cash":  created.TotalCash.StringFixed(2),
		"sales": len(sales),
	}).Info("cash closing created")
	return Result{Reason: ReasonCreated, Closing: created}
}

// GetForDay returns the stored closing of one day, if any.
func (c *Calculator) GetForDay(ctx context.Context, day time.Time) (domain.CashClosing, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	closing, err := c.repo.GetClosingForDay(ctx, dayStart)
	if err != nil {
		return domain.CashClosing{}, err
	}
	return *closing, nil
}
