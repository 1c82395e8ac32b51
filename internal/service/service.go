package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/pricing"
	"comandero/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// saleRetries bounds how often a sale is replayed after losing a
// serialization race in the store.
const saleRetries = 3

type Service struct {
	repo       store.Repository
	log        *logrus.Logger
	effects    *effectQueue
	comandaTTL time.Duration
	nowFn      func() time.Time
}

type Options struct {
	// ComandaTTL is how long a pending delivery ticket stays claimable
	// before the sweep expires it.
	ComandaTTL time.Duration
	// EffectQueueSize bounds the post-commit side effect queue.
	EffectQueueSize int
}

func New(repo store.Repository, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ComandaTTL <= 0 {
		opts.ComandaTTL = 30 * time.Minute
	}
	if opts.EffectQueueSize < 1 {
		opts.EffectQueueSize = 64
	}

	s := &Service{
		repo:       repo,
		log:        logger,
		comandaTTL: opts.ComandaTTL,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	s.effects = newEffectQueue(opts.EffectQueueSize, logger)
	return s
}

// Start launches the side effect worker. It returns once the worker is
// running; cancel ctx to stop it.
func (s *Service) Start(ctx context.Context) {
	s.effects.start(ctx)
}

// Flush blocks until every queued side effect has run. Test helper.
func (s *Service) Flush() {
	s.effects.flush()
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return domain.Product{}, store.ErrValidation
	}
	if product.PriceGross.Sign() <= 0 {
		return domain.Product{}, store.ErrValidation
	}
	if product.PriceNet.IsZero() {
		product.PriceNet = pricing.NetFromGross(product.PriceGross)
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) ReceiveBatch(ctx context.Context, batch domain.BarcodeBatch) (domain.BarcodeBatch, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BarcodeBatch{}, err
	}

	batch.Code = strings.TrimSpace(batch.Code)
	if batch.Code == "" || batch.ProductID == "" || batch.Quantity < 1 {
		return domain.BarcodeBatch{}, store.ErrValidation
	}

	created, err := s.repo.ReceiveBatch(ctx, batch)
	if err != nil {
		return domain.BarcodeBatch{}, err
	}
	return *created, nil
}

// CreateSale runs the whole checkout: validation, the atomic store
// transaction, and the post-commit comanda synchronization. The sale is
// already durable when the comanda work is queued; a failure there never
// rolls the sale back.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.Sale, error) {
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if !method.Known() {
		return domain.Sale{}, fmt.Errorf("%w: payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	if len(req.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: empty line list", store.ErrValidation)
	}
	for _, line := range req.Lines {
		if strings.TrimSpace(line.Code) == "" || line.Quantity < 1 {
			return domain.Sale{}, fmt.Errorf("%w: every line needs a code and a positive quantity", store.ErrValidation)
		}
		if line.OverridePrice != nil && line.OverridePrice.Sign() <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: override price must be positive", store.ErrValidation)
		}
	}

	discount := decimal.Zero
	if req.Discount != nil {
		if req.Discount.Sign() < 0 {
			return domain.Sale{}, fmt.Errorf("%w: negative discount", store.ErrValidation)
		}
		discount = *req.Discount
	}

	if req.TableNumber != nil {
		if *req.TableNumber < 1 || *req.TableNumber > domain.MaxDineInTable {
			return domain.Sale{}, fmt.Errorf("%w: table %d out of range", store.ErrValidation, *req.TableNumber)
		}
	}

	var fiscal *domain.FiscalDocument
	if req.Fiscal != nil {
		doc, err := domain.ValidateFiscalRequest(*req.Fiscal)
		if err != nil {
			return domain.Sale{}, err
		}
		fiscal = doc
	}

	cashierID := strings.TrimSpace(req.CashierID)
	if cashierID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			cashierID = actor.Username
		}
	}

	draft := domain.SaleDraft{
		CashierID:     cashierID,
		PaymentMethod: method,
		Lines:         req.Lines,
		Discount:      discount,
		Fiscal:        fiscal,
		TableNumber:   req.TableNumber,
	}

	var sale *domain.Sale
	var err error
	for attempt := 1; attempt <= saleRetries; attempt++ {
		sale, err = s.repo.CreateSale(ctx, draft)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			break
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt}).Warn("sale transaction lost a conflict, retrying")
	}
	if err != nil {
		return domain.Sale{}, err
	}

	s.enqueueComandaSync(*sale)
	return *sale, nil
}

// enqueueComandaSync hands the post-commit comanda work to the effect
// worker. A sale with a table number finalizes that table; every other
// sale is a delivery and gets its own kitchen ticket. Failures are logged
// and never surfaced to the caller.
func (s *Service) enqueueComandaSync(sale domain.Sale) {
	if sale.TableNumber != nil {
		table := *sale.TableNumber
		s.effects.enqueue("dine_in_sync", func(ctx context.Context) error {
			return s.finalizeDineIn(ctx, sale, table)
		})
		return
	}
	s.effects.enqueue("delivery_comanda", func(ctx context.Context) error {
		return s.createDeliveryTicket(ctx, sale)
	})
}

// finalizeDineIn clears the table's saved cart and marks its active comanda
// delivered. Both steps are idempotent so a replay is harmless.
func (s *Service) finalizeDineIn(ctx context.Context, sale domain.Sale, table int) error {
	if err := s.repo.ClearSavedCart(ctx, table); err != nil {
		return fmt.Errorf("clear cart for table %d: %w", table, err)
	}

	comanda, err := s.repo.GetActiveComandaByTable(ctx, table)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if comanda.Status.Terminal() {
		return nil
	}

	comanda.Status = domain.ComandaDelivered
	comanda.Active = false
	comanda.SourceSaleID = sale.ID
	_, err = s.repo.SaveComanda(ctx, *comanda)
	return err
}

func (s *Service) createDeliveryTicket(ctx context.Context, sale domain.Sale) error {
	expiresAt := sale.CreatedAt.Add(s.comandaTTL)
	items := make([]domain.ComandaItem, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		items = append(items, domain.ComandaItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitGross:   line.UnitGross,
		})
	}

	_, err := s.repo.CreateDeliveryComanda(ctx, domain.Comanda{
		Status:       domain.ComandaPending,
		Items:        items,
		TotalGross:   sale.TotalGross,
		SourceSaleID: sale.ID,
		CreatedAt:    sale.CreatedAt,
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		return fmt.Errorf("delivery comanda for sale %s: %w", sale.ID, err)
	}
	return nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Sale{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SaleID == "" || req.Reason == "" {
		return domain.Sale{}, fmt.Errorf("%w: void needs a sale id and a reason", store.ErrValidation)
	}

	sale, err := s.repo.VoidSale(ctx, req.SaleID, req.Reason, s.nowFn())
	if err != nil {
		return domain.Sale{}, err
	}
	s.log.WithFields(logrus.Fields{"sale_id": sale.ID, "reason": req.Reason}).Info("sale voided, stock restored")
	return *sale, nil
}

// ConfirmFiscalIssuance flips the issued flag once the external submission
// succeeded. Allocation happened at sale time; this only acknowledges it.
func (s *Service) ConfirmFiscalIssuance(ctx context.Context, saleID string) error {
	if saleID == "" {
		return store.ErrValidation
	}
	return s.repo.SetFiscalIssued(ctx, saleID)
}

// SaveTable stages a dine-in cart and mirrors it into the table's active
// comanda. Reopening a table after its previous ticket closed yields a
// brand new ticket, never a resurrected one.
func (s *Service) SaveTable(ctx context.Context, req domain.TableSaveRequest) (domain.Comanda, error) {
	if req.TableNumber < 1 || req.TableNumber > domain.MaxDineInTable {
		return domain.Comanda{}, fmt.Errorf("%w: table %d out of range", store.ErrValidation, req.TableNumber)
	}
	if len(req.Items) == 0 {
		return domain.Comanda{}, fmt.Errorf("%w: empty table save", store.ErrValidation)
	}

	merged := make(map[string]int, len(req.Items))
	order := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity < 1 {
			return domain.Comanda{}, fmt.Errorf("%w: every item needs a product and a positive quantity", store.ErrValidation)
		}
		if _, seen := merged[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		merged[item.ProductID] += item.Quantity
	}

	products, err := s.repo.GetProductsByIDs(ctx, order)
	if err != nil {
		return domain.Comanda{}, err
	}

	now := s.nowFn()
	items := make([]domain.ComandaItem, 0, len(order))
	cartItems := make([]domain.CartItem, 0, len(order))
	total := decimal.Zero
	for _, productID := range order {
		p, ok := products[productID]
		if !ok {
			return domain.Comanda{}, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, productID)
		}
		qty := merged[productID]
		resolved := pricing.Resolve(p, qty, false, nil)
		_, lineGross := resolved.LineTotals(qty)
		items = append(items, domain.ComandaItem{
			ProductID:   productID,
			ProductName: p.Name,
			Quantity:    qty,
			UnitGross:   resolved.UnitGross,
		})
		cartItems = append(cartItems, domain.CartItem{ProductID: productID, Quantity: qty})
		total = total.Add(lineGross)
	}

	if _, err := s.repo.SaveCart(ctx, domain.SavedCart{
		TableNumber: req.TableNumber,
		Items:       cartItems,
		UpdatedAt:   now,
	}); err != nil {
		return domain.Comanda{}, err
	}

	comanda := domain.Comanda{
		Number: req.TableNumber,
		Type:   domain.ComandaDineIn,
		Status: domain.ComandaPending,
		Active: true,
	}
	existing, err := s.repo.GetActiveComandaByTable(ctx, req.TableNumber)
	switch {
	case err == nil:
		// The open ticket keeps its identity and kitchen progress.
		comanda.ID = existing.ID
		comanda.Status = existing.Status
		comanda.CreatedAt = existing.CreatedAt
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.Comanda{}, err
	}
	comanda.Items = items
	comanda.TotalGross = total

	saved, err := s.repo.SaveComanda(ctx, comanda)
	if err != nil {
		return domain.Comanda{}, err
	}
	return *saved, nil
}

func (s *Service) GetTable(ctx context.Context, tableNumber int) (domain.SavedCart, error) {
	if tableNumber < 1 || tableNumber > domain.MaxDineInTable {
		return domain.SavedCart{}, fmt.Errorf("%w: table %d out of range", store.ErrValidation, tableNumber)
	}
	cart, err := s.repo.GetSavedCart(ctx, tableNumber)
	if err != nil {
		return domain.SavedCart{}, err
	}
	return *cart, nil
}

// CancelTable abandons a staged table: the cart is dropped and its open
// ticket is soft deleted without touching any stock.
func (s *Service) CancelTable(ctx context.Context, tableNumber int) error {
	if tableNumber < 1 || tableNumber > domain.MaxDineInTable {
		return fmt.Errorf("%w: table %d out of range", store.ErrValidation, tableNumber)
	}
	if err := s.repo.ClearSavedCart(ctx, tableNumber); err != nil {
		return err
	}

	comanda, err := s.repo.GetActiveComandaByTable(ctx, tableNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.repo.SoftDeleteComanda(ctx, comanda.ID, s.nowFn())
}

func (s *Service) GetComanda(ctx context.Context, id string) (domain.Comanda, error) {
	comanda, err := s.repo.GetComandaByID(ctx, id)
	if err != nil {
		return domain.Comanda{}, err
	}
	return *comanda, nil
}

// GetTableComanda returns the open ticket of a dine-in table, or
// store.ErrNotFound when the table has none.
func (s *Service) GetTableComanda(ctx context.Context, tableNumber int) (domain.Comanda, error) {
	if tableNumber < 1 || tableNumber > domain.MaxDineInTable {
		return domain.Comanda{}, fmt.Errorf("%w: table %d out of range", store.ErrValidation, tableNumber)
	}
	comanda, err := s.repo.GetActiveComandaByTable(ctx, tableNumber)
	if err != nil {
		return domain.Comanda{}, err
	}
	return *comanda, nil
}

func (s *Service) ListComandas(ctx context.Context, filter domain.ComandaFilter) ([]domain.Comanda, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", store.ErrValidation, filter.Status)
	}
	return s.repo.ListComandas(ctx, filter)
}

// TransitionComanda advances a ticket through the kitchen board. Expiry is
// reserved for the sweep and rejected here.
func (s *Service) TransitionComanda(ctx context.Context, id string, next domain.ComandaStatus) (domain.Comanda, error) {
	if !next.Valid() {
		return domain.Comanda{}, fmt.Errorf("%w: status %q", store.ErrValidation, next)
	}
	if next == domain.ComandaExpired {
		return domain.Comanda{}, fmt.Errorf("%w: expiry is automatic", store.ErrValidation)
	}

	comanda, err := s.repo.GetComandaByID(ctx, id)
	if err != nil {
		return domain.Comanda{}, err
	}
	if !comanda.Status.CanTransitionTo(next) {
		return domain.Comanda{}, fmt.Errorf("%w: %s cannot move to %s", store.ErrValidation, comanda.Status, next)
	}

	comanda.Status = next
	if next.Terminal() {
		comanda.Active = false
	}
	saved, err := s.repo.SaveComanda(ctx, *comanda)
	if err != nil {
		return domain.Comanda{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteComanda(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.SoftDeleteComanda(ctx, id, s.nowFn())
}

// ExpireDeliveries runs one expiry sweep and reports how many pending
// delivery tickets aged out.
func (s *Service) ExpireDeliveries(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireDeliveryComandas(ctx, s.nowFn())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("delivery comandas expired")
	}
	return expired, nil
}

// RunExpirySweep loops ExpireDeliveries until ctx is cancelled.
func (s *Service) RunExpirySweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireDeliveries(ctx); err != nil {
				s.log.WithError(err).Warn("expiry sweep failed")
			}
		}
	}
}

func (s *Service) CreateExpense(ctx context.Context, expense domain.PersonalExpense) (domain.PersonalExpense, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PersonalExpense{}, err
	}
	if expense.Amount.Sign() <= 0 {
		return domain.PersonalExpense{}, fmt.Errorf("%w: expense amount must be positive", store.ErrValidation)
	}
	switch expense.Status {
	case "", domain.ExpensePending, domain.ExpenseApproved, domain.ExpenseRejected:
	default:
		return domain.PersonalExpense{}, fmt.Errorf("%w: expense status %q", store.ErrValidation, expense.Status)
	}
	if expense.ExpenseDate.IsZero() {
		expense.ExpenseDate = s.nowFn()
	}
	if expense.Status == domain.ExpenseApproved && expense.ApprovedAt == nil {
		now := s.nowFn()
		expense.ApprovedAt = &now
	}

	created, err := s.repo.CreateExpense(ctx, expense)
	if err != nil {
		return domain.PersonalExpense{}, err
	}
	return *created, nil
}

// ErrAdminRequired is returned by operations gated to the admin role.
// Callers match it with errors.Is.
var ErrAdminRequired = errors.New("admin role required")

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrAdminRequired
	}
	return nil
}
