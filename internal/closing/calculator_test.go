package closing

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var testDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func newTestCalculator(t *testing.T) (*Calculator, *memory.Store) {
	t.Helper()
	repo := memory.New()
	calc := NewCalculator(repo, quietLogger(), dec("0.50"), time.UTC)
	seedCatalog(t, repo)
	return calc, repo
}

func seedCatalog(t *testing.T, repo *memory.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := repo.CreateProduct(ctx, domain.Product{
		ID:         "prod-menu",
		SKU:        "SKU-MENU",
		Name:       "Menu del dia",
		PriceNet:   dec("10.17"),
		PriceGross: dec("12.00"),
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := repo.ReceiveBatch(ctx, domain.BarcodeBatch{ProductID: "prod-menu", Code: "1000000000001", Quantity: 500}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
}

// seedSale inserts a completed sale directly, bypassing service validation so
// tests can plant legacy payment method names.
func seedSale(t *testing.T, repo *memory.Store, method string, qty int, at time.Time) {
	t.Helper()
	_, err := repo.CreateSale(context.Background(), domain.SaleDraft{
		CreatedAt:     at,
		CashierID:     "caja1",
		PaymentMethod: domain.PaymentMethod(method),
		Lines:         []domain.SaleLineRequest{{Code: "1000000000001", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("seed sale: %v", err)
	}
}

func TestRunForDayTotalsPerMethod(t *testing.T) {
	calc, repo := newTestCalculator(t)

	seedSale(t, repo, "cash", 2, testDay.Add(9*time.Hour))     // 24.00
	seedSale(t, repo, "card", 1, testDay.Add(12*time.Hour))    // 12.00
	seedSale(t, repo, "transfer", 3, testDay.Add(14*time.Hour)) // 36.00
	seedSale(t, repo, "wallet", 1, testDay.Add(20*time.Hour))  // 12.00

	result := calc.RunForDay(context.Background(), testDay)
	if result.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", result.Reason, result.Err)
	}
	c := result.Closing
	if !c.TotalCash.Equal(dec("24.00")) {
		t.Fatalf("cash total: want 24.00, got %s", c.TotalCash)
	}
	if !c.TotalCard.Equal(dec("12.00")) {
		t.Fatalf("card total: want 12.00, got %s", c.TotalCard)
	}
	if !c.TotalTransfer.Equal(dec("36.00")) {
		t.Fatalf("transfer total: want 36.00, got %s", c.TotalTransfer)
	}
	if !c.TotalWallet.Equal(dec("12.00")) {
		t.Fatalf("wallet total: want 12.00, got %s", c.TotalWallet)
	}
	if !c.OpenedAt.Equal(testDay.Add(9 * time.Hour)) {
		t.Fatalf("opened_at must be the earliest sale, got %s", c.OpenedAt)
	}
	if !c.CashOnHand.Equal(c.TotalCash) {
		t.Fatalf("cash on hand must equal cash total, got %s", c.CashOnHand)
	}
	if !c.Discrepancy.IsZero() {
		t.Fatalf("expected zero discrepancy without expenses, got %s", c.Discrepancy)
	}
	if c.Notes != "" {
		t.Fatalf("expected no alert note, got %q", c.Notes)
	}
}

func TestUnknownMethodFoldsIntoCash(t *testing.T) {
	calc, repo := newTestCalculator(t)

	seedSale(t, repo, "cash", 1, testDay.Add(10*time.Hour))    // 12.00
	seedSale(t, repo, "voucher", 2, testDay.Add(11*time.Hour)) // 24.00, legacy name

	result := calc.RunForDay(context.Background(), testDay)
	if result.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", result.Reason, result.Err)
	}
	if !result.Closing.TotalCash.Equal(dec("36.00")) {
		t.Fatalf("unknown method must fold into cash: want 36.00, got %s", result.Closing.TotalCash)
	}
}

func TestRunForDayNoSales(t *testing.T) {
	calc, _ := newTestCalculator(t)

	result := calc.RunForDay(context.Background(), testDay)
	if result.Reason != ReasonNoSales {
		t.Fatalf("expected no_sales, got %s", result.Reason)
	}
	if _, err := calc.GetForDay(context.Background(), testDay); err == nil {
		t.Fatalf("no closing row may exist for an empty day")
	}
}

func TestDayClosesAtMostOnce(t *testing.T) {
	calc, repo := newTestCalculator(t)
	seedSale(t, repo, "cash", 1, testDay.Add(10*time.Hour))

	first := calc.RunForDay(context.Background(), testDay)
	if first.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", first.Reason, first.Err)
	}
	second := calc.RunForDay(context.Background(), testDay)
	if second.Reason != ReasonAlreadyClosed {
		t.Fatalf("expected already_closed, got %s", second.Reason)
	}
}

func TestExpensesCountedByDateOrApproval(t *testing.T) {
	calc, repo := newTestCalculator(t)
	ctx := context.Background()
	seedSale(t, repo, "cash", 10, testDay.Add(10*time.Hour)) // 120.00

	approvedToday := testDay.Add(15 * time.Hour)
	// Spent today, approved today.
	if _, err := repo.CreateExpense(ctx, domain.PersonalExpense{
		Amount:      dec("20.00"),
		Status:      domain.ExpenseApproved,
		ExpenseDate: testDay.Add(9 * time.Hour),
		ApprovedAt:  &approvedToday,
	}); err != nil {
		t.Fatalf("seed expense: %v", err)
	}
	// Spent yesterday, approved today. Counts via the approval date.
	if _, err := repo.CreateExpense(ctx, domain.PersonalExpense{
		Amount:      dec("5.00"),
		Status:      domain.ExpenseApproved,
		ExpenseDate: testDay.Add(-10 * time.Hour),
		ApprovedAt:  &approvedToday,
	}); err != nil {
		t.Fatalf("seed expense: %v", err)
	}
	// Approved but entirely outside the day.
	outside := testDay.Add(-30 * time.Hour)
	if _, err := repo.CreateExpense(ctx, domain.PersonalExpense{
		Amount:      dec("99.00"),
		Status:      domain.ExpenseApproved,
		ExpenseDate: outside,
		ApprovedAt:  &outside,
	}); err != nil {
		t.Fatalf("seed expense: %v", err)
	}
	// Still pending, never counted.
	if _, err := repo.CreateExpense(ctx, domain.PersonalExpense{
		Amount:      dec("50.00"),
		Status:      domain.ExpensePending,
		ExpenseDate: testDay.Add(11 * time.Hour),
	}); err != nil {
		t.Fatalf("seed expense: %v", err)
	}

	result := calc.RunForDay(ctx, testDay)
	if result.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", result.Reason, result.Err)
	}
	c := result.Closing
	if !c.ExpenseTotal.Equal(dec("25.00")) {
		t.Fatalf("expense total: want 25.00, got %s", c.ExpenseTotal)
	}
	if !c.ExpectedBalance.Equal(dec("95.00")) {
		t.Fatalf("expected balance: want 95.00, got %s", c.ExpectedBalance)
	}
	if !c.Discrepancy.Equal(dec("25.00")) {
		t.Fatalf("discrepancy: want 25.00, got %s", c.Discrepancy)
	}
	if !strings.Contains(c.Notes, "exceeds alert limit") {
		t.Fatalf("discrepancy above 0.50 must be flagged, notes=%q", c.Notes)
	}
}

func TestDiscrepancyBelowLimitLeavesNoNote(t *testing.T) {
	calc, repo := newTestCalculator(t)
	ctx := context.Background()
	seedSale(t, repo, "cash", 1, testDay.Add(10*time.Hour)) // 12.00

	approved := testDay.Add(12 * time.Hour)
	if _, err := repo.CreateExpense(ctx, domain.PersonalExpense{
		Amount:      dec("0.40"),
		Status:      domain.ExpenseApproved,
		ExpenseDate: testDay.Add(11 * time.Hour),
		ApprovedAt:  &approved,
	}); err != nil {
		t.Fatalf("seed expense: %v", err)
	}

	result := calc.RunForDay(ctx, testDay)
	if result.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", result.Reason, result.Err)
	}
	if !result.Closing.Discrepancy.Equal(dec("0.40")) {
		t.Fatalf("discrepancy: want 0.40, got %s", result.Closing.Discrepancy)
	}
	if result.Closing.Notes != "" {
		t.Fatalf("discrepancy below limit must not be flagged, notes=%q", result.Closing.Notes)
	}
}

func TestSalesOutsideWindowIgnored(t *testing.T) {
	calc, repo := newTestCalculator(t)

	seedSale(t, repo, "cash", 1, testDay.Add(-time.Minute))
	seedSale(t, repo, "cash", 1, testDay.Add(24*time.Hour))
	seedSale(t, repo, "cash", 1, testDay.Add(23*time.Hour+59*time.Minute))

	result := calc.RunForDay(context.Background(), testDay)
	if result.Reason != ReasonCreated {
		t.Fatalf("expected created, got %s (%s)", result.Reason, result.Err)
	}
	if !result.Closing.TotalCash.Equal(dec("12.00")) {
		t.Fatalf("only in-window sales count: want 12.00, got %s", result.Closing.TotalCash)
	}
}
