package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/store"
	"comandero/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

// newTestService seeds one product with a wholesale price and one batch of 50
// units behind code 7750000000011.
func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, quietLogger(), Options{ComandaTTL: 30 * time.Minute})

	seedProduct(t, repo, "prod-chicha", "SKU-CHICHA", "Chicha Morada 1L", "7750000000011", 50)
	return svc, repo
}

func seedProduct(t *testing.T, repo *memory.Store, id, sku, name, code string, qty int) {
	t.Helper()
	ctx := context.Background()
	wholesaleNet := dec("6.78")
	wholesaleGross := dec("8.00")
	_, err := repo.CreateProduct(ctx, domain.Product{
		ID:             id,
		SKU:            sku,
		Name:           name,
		Category:       "beverage",
		PriceNet:       dec("8.47"),
		PriceGross:     dec("10.00"),
		WholesaleNet:   &wholesaleNet,
		WholesaleGross: &wholesaleGross,
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := repo.ReceiveBatch(ctx, domain.BarcodeBatch{ProductID: id, Code: code, Quantity: qty}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
}

func productStock(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	products, err := repo.GetProductsByIDs(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("load product: %v", err)
	}
	p, ok := products[id]
	if !ok {
		t.Fatalf("product %s missing", id)
	}
	return p.Stock
}

func TestSaleDecrementsBatchAndProductInLockstep(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.TotalGross.Equal(dec("30.00")) {
		t.Fatalf("expected total 30.00, got %s", sale.TotalGross)
	}

	batch, err := repo.GetBatchByCode(ctx, "7750000000011")
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.Quantity != 47 {
		t.Fatalf("expected batch quantity 47, got %d", batch.Quantity)
	}
	if stock := productStock(t, repo, "prod-chicha"); stock != 47 {
		t.Fatalf("expected product stock 47, got %d", stock)
	}
}

func TestSaleFailsOnUnknownBarcode(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{Code: "7750000000011", Quantity: 1},
			{Code: "0000000000000", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrInvalidBarcode) {
		t.Fatalf("expected ErrInvalidBarcode, got %v", err)
	}
	if stock := productStock(t, repo, "prod-chicha"); stock != 50 {
		t.Fatalf("failed sale must not touch stock, got %d", stock)
	}
}

func TestInsufficientStockLeavesCountersUntouched(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 51}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if stock := productStock(t, repo, "prod-chicha"); stock != 50 {
		t.Fatalf("failed sale must not touch stock, got %d", stock)
	}
	batch, err := repo.GetBatchByCode(context.Background(), "7750000000011")
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.Quantity != 50 {
		t.Fatalf("failed sale must not touch batch, got %d", batch.Quantity)
	}
}

func TestLinesOfOneProductAggregateForWholesale(t *testing.T) {
	svc, _ := newTestService(t)

	// 5+5 across two lines crosses the wholesale threshold together.
	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{Code: "7750000000011", Quantity: 5},
			{Code: "7750000000011", Quantity: 5},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if len(sale.Lines) != 1 {
		t.Fatalf("expected one grouped line, got %d", len(sale.Lines))
	}
	line := sale.Lines[0]
	if line.Quantity != 10 || !line.Wholesale {
		t.Fatalf("expected wholesale line of 10, got qty=%d wholesale=%t", line.Quantity, line.Wholesale)
	}
	if !line.UnitGross.Equal(dec("8.00")) {
		t.Fatalf("expected wholesale unit 8.00, got %s", line.UnitGross)
	}
	if !sale.TotalGross.Equal(dec("80.00")) {
		t.Fatalf("expected total 80.00, got %s", sale.TotalGross)
	}
}

func TestDiscountClampedToSubtotal(t *testing.T) {
	svc, _ := newTestService(t)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Discount:      decPtr("999.00"),
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Discount.Equal(dec("10.00")) {
		t.Fatalf("expected discount clamped to 10.00, got %s", sale.Discount)
	}
	if !sale.TotalGross.IsZero() {
		t.Fatalf("expected zero total after clamp, got %s", sale.TotalGross)
	}
}

func TestFiscalNumbersAllocateSequentially(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for want := int64(1); want <= 2; want++ {
		sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
			PaymentMethod: "cash",
			Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
			Fiscal:        &domain.FiscalDocumentRequest{Type: "boleta", ClientDocType: "dni", ClientDocNumber: "12345678"},
		})
		if err != nil {
			t.Fatalf("create sale: %v", err)
		}
		if sale.Fiscal == nil {
			t.Fatalf("expected fiscal document")
		}
		if sale.Fiscal.Series != "B001" || sale.Fiscal.Number != want {
			t.Fatalf("expected B001-%d, got %s-%d", want, sale.Fiscal.Series, sale.Fiscal.Number)
		}
		if sale.FiscalIssued {
			t.Fatalf("fiscal document must start unissued")
		}
	}
}

func TestFacturaRequiresRUCClient(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "card",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
		Fiscal:        &domain.FiscalDocumentRequest{Type: "factura", ClientDocType: "dni", ClientDocNumber: "12345678"},
	})
	if !errors.Is(err, domain.ErrInvalidDocumentType) {
		t.Fatalf("expected ErrInvalidDocumentType, got %v", err)
	}
}

func TestConfirmFiscalIssuance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
		Fiscal:        &domain.FiscalDocumentRequest{Type: "boleta"},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if err := svc.ConfirmFiscalIssuance(ctx, sale.ID); err != nil {
		t.Fatalf("confirm issuance: %v", err)
	}
	reloaded, err := svc.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("reload sale: %v", err)
	}
	if !reloaded.FiscalIssued {
		t.Fatalf("expected fiscal issued flag set")
	}
}

func TestUnknownPaymentMethodRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cheque",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDineInSaleDeliversComandaAndClearsCart(t *testing.T) {
	svc, repo := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	if _, err := svc.SaveTable(ctx, domain.TableSaveRequest{
		TableNumber: 4,
		Items:       []domain.CartItem{{ProductID: "prod-chicha", Quantity: 2}},
	}); err != nil {
		t.Fatalf("save table: %v", err)
	}

	table := 4
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		TableNumber:   &table,
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	svc.Flush()

	if _, err := repo.GetSavedCart(ctx, 4); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cart cleared, got %v", err)
	}
	comanda, err := repo.FindComandaBySourceSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("find comanda: %v", err)
	}
	if comanda.Status != domain.ComandaDelivered || comanda.Active {
		t.Fatalf("expected delivered inactive comanda, got status=%s active=%t", comanda.Status, comanda.Active)
	}
}

func TestDeliverySaleCreatesTicketExactlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// No table number: the sale is a delivery and gets a ticket without
	// the caller asking for one.
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "wallet",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	svc.Flush()

	if _, err := repo.FindComandaBySourceSale(ctx, sale.ID); err != nil {
		t.Fatalf("expected a ticket for the table-less sale: %v", err)
	}

	// A replayed trigger must not mint a second ticket.
	if err := svc.createDeliveryTicket(ctx, sale); err != nil {
		t.Fatalf("replayed trigger: %v", err)
	}

	comandas, err := repo.ListComandas(ctx, domain.ComandaFilter{Type: domain.ComandaDelivery})
	if err != nil {
		t.Fatalf("list comandas: %v", err)
	}
	if len(comandas) != 1 {
		t.Fatalf("expected exactly one delivery ticket, got %d", len(comandas))
	}
	ticket := comandas[0]
	if ticket.Number != domain.FirstDeliveryNumber {
		t.Fatalf("expected first delivery number %d, got %d", domain.FirstDeliveryNumber, ticket.Number)
	}
	if ticket.Status != domain.ComandaPending || ticket.ExpiresAt == nil {
		t.Fatalf("expected pending ticket with expiry, got status=%s", ticket.Status)
	}
}

func TestDeliveryNumbersAutoIncrement(t *testing.T) {
	svc, repo := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
			PaymentMethod: "cash",
			Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
		}); err != nil {
			t.Fatalf("create sale %d: %v", i, err)
		}
		svc.Flush()
	}

	comandas, err := repo.ListComandas(ctx, domain.ComandaFilter{Type: domain.ComandaDelivery})
	if err != nil {
		t.Fatalf("list comandas: %v", err)
	}
	if len(comandas) != 3 {
		t.Fatalf("expected three tickets, got %d", len(comandas))
	}
	seen := map[int]bool{}
	for _, c := range comandas {
		if c.Number < domain.FirstDeliveryNumber {
			t.Fatalf("delivery number %d below range", c.Number)
		}
		if seen[c.Number] {
			t.Fatalf("delivery number %d reused", c.Number)
		}
		seen[c.Number] = true
	}
}

func TestVoidRestoresConsumedBatches(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := adminCtx()

	// Drain the batch completely so void has to recreate it.
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 50}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := repo.GetBatchByCode(ctx, "7750000000011"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected drained batch removed, got %v", err)
	}

	voided, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: sale.ID, Reason: "wrong order"})
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided || voided.VoidedAt == nil {
		t.Fatalf("expected voided sale, got %+v", voided)
	}

	batch, err := repo.GetBatchByCode(ctx, "7750000000011")
	if err != nil {
		t.Fatalf("expected batch recreated: %v", err)
	}
	if batch.Quantity != 50 {
		t.Fatalf("expected restored quantity 50, got %d", batch.Quantity)
	}
	if stock := productStock(t, repo, "prod-chicha"); stock != 50 {
		t.Fatalf("expected restored stock 50, got %d", stock)
	}

	// Voided sales disappear from reporting windows.
	sales, err := repo.ListSalesBetween(ctx, sale.CreatedAt.Add(-time.Hour), sale.CreatedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected voided sale excluded, got %d sales", len(sales))
	}
}

func TestVoidRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{Username: "caja1", Role: "cashier"})

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7750000000011", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: sale.ID, Reason: "x"}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
}

func TestTableReopenGetsFreshTicket(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.SaveTable(ctx, domain.TableSaveRequest{
		TableNumber: 7,
		Items:       []domain.CartItem{{ProductID: "prod-chicha", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("save table: %v", err)
	}

	if _, err := svc.TransitionComanda(ctx, first.ID, domain.ComandaDelivered); err != nil {
		t.Fatalf("deliver comanda: %v", err)
	}

	second, err := svc.SaveTable(ctx, domain.TableSaveRequest{
		TableNumber: 7,
		Items:       []domain.CartItem{{ProductID: "prod-chicha", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("reopen table: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("reopened table must get a fresh ticket identity")
	}
	if second.Status != domain.ComandaPending {
		t.Fatalf("expected fresh pending ticket, got %s", second.Status)
	}
}

func TestComandaTransitionRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	comanda, err := svc.SaveTable(ctx, domain.TableSaveRequest{
		TableNumber: 2,
		Items:       []domain.CartItem{{ProductID: "prod-chicha", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("save table: %v", err)
	}

	if _, err := svc.TransitionComanda(ctx, comanda.ID, domain.ComandaExpired); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("manual expiry must be rejected, got %v", err)
	}
	if _, err := svc.TransitionComanda(ctx, comanda.ID, domain.ComandaInProgress); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
	if _, err := svc.TransitionComanda(ctx, comanda.ID, domain.ComandaDelivered); err != nil {
		t.Fatalf("in_progress -> delivered: %v", err)
	}
	if _, err := svc.TransitionComanda(ctx, comanda.ID, domain.ComandaReady); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("delivered is terminal, got %v", err)
	}
}

func TestExpirySweepOnlyAgesPendingDeliveries(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	fresh := time.Now().UTC().Add(30 * time.Minute)
	if _, err := repo.CreateDeliveryComanda(ctx, domain.Comanda{
		Status:       domain.ComandaPending,
		SourceSaleID: "sale-stale",
		ExpiresAt:    &stale,
	}); err != nil {
		t.Fatalf("seed stale ticket: %v", err)
	}
	if _, err := repo.CreateDeliveryComanda(ctx, domain.Comanda{
		Status:       domain.ComandaPending,
		SourceSaleID: "sale-fresh",
		ExpiresAt:    &fresh,
	}); err != nil {
		t.Fatalf("seed fresh ticket: %v", err)
	}
	if _, err := svc.SaveTable(ctx, domain.TableSaveRequest{
		TableNumber: 1,
		Items:       []domain.CartItem{{ProductID: "prod-chicha", Quantity: 1}},
	}); err != nil {
		t.Fatalf("save table: %v", err)
	}

	expired, err := svc.ExpireDeliveries(ctx)
	if err != nil {
		t.Fatalf("expiry sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired ticket, got %d", expired)
	}

	staleTicket, err := repo.FindComandaBySourceSale(ctx, "sale-stale")
	if err != nil {
		t.Fatalf("load stale ticket: %v", err)
	}
	if staleTicket.Status != domain.ComandaExpired || staleTicket.Active {
		t.Fatalf("expected expired inactive ticket, got %s", staleTicket.Status)
	}
	freshTicket, err := repo.FindComandaBySourceSale(ctx, "sale-fresh")
	if err != nil {
		t.Fatalf("load fresh ticket: %v", err)
	}
	if freshTicket.Status != domain.ComandaPending {
		t.Fatalf("fresh ticket must stay pending, got %s", freshTicket.Status)
	}
	dineIn, err := repo.GetActiveComandaByTable(ctx, 1)
	if err != nil {
		t.Fatalf("dine-in ticket must survive the sweep: %v", err)
	}
	if dineIn.Status != domain.ComandaPending {
		t.Fatalf("dine-in ticket must stay pending, got %s", dineIn.Status)
	}
}

func TestOverridePriceFlowsThroughSale(t *testing.T) {
	svc, _ := newTestService(t)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{Code: "7750000000011", Quantity: 2, OverridePrice: decPtr("5.90")},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	line := sale.Lines[0]
	if !line.UnitGross.Equal(dec("5.90")) || !line.UnitNet.Equal(dec("5.00")) {
		t.Fatalf("expected override 5.90/5.00, got %s/%s", line.UnitGross, line.UnitNet)
	}
	if !sale.TotalGross.Equal(dec("11.80")) {
		t.Fatalf("expected total 11.80, got %s", sale.TotalGross)
	}
}
