package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/pricing"
	"comandero/backend/internal/store"
	"comandero/backend/internal/xid"
)

// Store is a mutex-guarded in-memory repository used by tests and dev mode.
// The single write lock makes every multi-step operation an atomic unit of
// work, matching the serializable transactions of the postgres store.
type Store struct {
	mu            sync.RWMutex
	products      map[string]domain.Product
	batchesByCode map[string]domain.BarcodeBatch
	salesByID     map[string]*domain.Sale
	saleOrder     []string
	savedCarts    map[int]domain.SavedCart
	comandasByID  map[string]*domain.Comanda
	comandaOrder  []string
	closingsByDay map[string]domain.CashClosing
	expenses      []domain.PersonalExpense
	usersByName   map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:      make(map[string]domain.Product),
		batchesByCode: make(map[string]domain.BarcodeBatch),
		salesByID:     make(map[string]*domain.Sale),
		savedCarts:    make(map[int]domain.SavedCart),
		comandasByID:  make(map[string]*domain.Comanda),
		closingsByDay: make(map[string]domain.CashClosing),
		expenses:      make([]domain.PersonalExpense, 0, 32),
		usersByName:   make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with a small menu and one batch per
// product, enough for dev mode and the service tests.
func NewSeeded() *Store {
	s := New()
	s.usersByName = seedUsers()
	now := time.Now().UTC()

	seed := []struct {
		product domain.Product
		code    string
		qty     int
	}{
		{product: product("prod-inca", "SKU-INCA-05", "Inca Kola 500ml", "beverage", "3.50", "", ""), code: "7750182000123", qty: 120},
		{product: product("prod-agua", "SKU-AGUA-06", "Agua San Luis 625ml", "beverage", "2.00", "1.50", ""), code: "7750182000456", qty: 120},
		{product: product("prod-lomo", "SKU-LOMO-01", "Lomo Saltado", "kitchen", "28.00", "", ""), code: "2000000000017", qty: 40},
		{product: product("prod-aji", "SKU-AJI-02", "Aji de Gallina", "kitchen", "24.00", "", ""), code: "2000000000024", qty: 40},
		{product: product("prod-chic", "SKU-CHICHA-03", "Chicha Morada 1L", "beverage", "9.00", "7.50", "6.90"), code: "7750182000789", qty: 60},
		{product: product("prod-galle", "SKU-GALLETA-07", "Galleta Soda", "shop", "1.80", "1.40", ""), code: "7751271001234", qty: 200},
	}

	for _, entry := range seed {
		p := entry.product
		p.Stock = entry.qty
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.batchesByCode[entry.code] = domain.BarcodeBatch{
			ID:        xid.New("batch"),
			ProductID: p.ID,
			Code:      entry.code,
			Quantity:  entry.qty,
			CreatedAt: now,
		}
	}

	return s
}

func product(id, sku, name, category, gross, wholesaleGross, offerGross string) domain.Product {
	g := decimal.RequireFromString(gross)
	p := domain.Product{
		ID:         id,
		SKU:        sku,
		Name:       name,
		Category:   category,
		PriceNet:   pricing.NetFromGross(g),
		PriceGross: g,
		Active:     true,
	}
	if wholesaleGross != "" {
		wg := decimal.RequireFromString(wholesaleGross)
		wn := pricing.NetFromGross(wg)
		p.WholesaleGross = &wg
		p.WholesaleNet = &wn
	}
	if offerGross != "" {
		og := decimal.RequireFromString(offerGross)
		on := pricing.NetFromGross(og)
		p.OnOffer = true
		p.OfferGross = &og
		p.OfferNet = &on
	}
	return p
}

// seedUsers builds the initial operator accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; unset
// variables fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, p domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	if p.SKU == "" || p.Name == "" || p.PriceGross.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[p.ID]; exists {
		return nil, store.ErrValidation
	}
	if p.Stock < 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	s.products[p.ID] = p
	created := p
	return &created, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetBatchByCode(_ context.Context, code string) (*domain.BarcodeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batchesByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyBatch := batch
	return &copyBatch, nil
}

func (s *Store) ReceiveBatch(_ context.Context, batch domain.BarcodeBatch) (*domain.BarcodeBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.Code == "" || batch.Quantity < 1 {
		return nil, store.ErrValidation
	}
	p, ok := s.products[batch.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if existing, ok := s.batchesByCode[batch.Code]; ok {
		if existing.ProductID != batch.ProductID {
			return nil, fmt.Errorf("%w: code %s belongs to another product", store.ErrValidation, batch.Code)
		}
		existing.Quantity += batch.Quantity
		s.batchesByCode[batch.Code] = existing
		p.Stock += batch.Quantity
		s.products[p.ID] = p
		created := existing
		return &created, nil
	}

	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	s.batchesByCode[batch.Code] = batch
	p.Stock += batch.Quantity
	s.products[p.ID] = p
	created := batch
	return &created, nil
}

func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(draft.Lines) == 0 {
		return nil, fmt.Errorf("%w: empty line list", store.ErrValidation)
	}

	// First pass: resolve every batch and check availability per batch and
	// per product aggregate before touching any counter.
	requestedByCode := make(map[string]int, len(draft.Lines))
	requestedByProduct := make(map[string]int, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
		}
		batch, ok := s.batchesByCode[line.Code]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrInvalidBarcode, line.Code)
		}
		requestedByCode[line.Code] += line.Quantity
		requestedByProduct[batch.ProductID] += line.Quantity
	}
	for code, requested := range requestedByCode {
		batch := s.batchesByCode[code]
		if requested > batch.Quantity {
			return nil, fmt.Errorf("%w: code %s requested %d available %d", store.ErrInsufficientStock, code, requested, batch.Quantity)
		}
	}
	for productID, requested := range requestedByProduct {
		p, ok := s.products[productID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, productID)
		}
		if requested > p.Stock {
			return nil, fmt.Errorf("%w: product %s requested %d available %d", store.ErrInsufficientStock, productID, requested, p.Stock)
		}
	}

	// Group lines by product, keeping the batch snapshot and any explicit
	// wholesale flag or override carried by a member line.
	type group struct {
		productID string
		qty       int
		wholesale bool
		override  *decimal.Decimal
		consumed  []domain.BatchConsumption
	}
	groups := make([]*group, 0, len(draft.Lines))
	groupByProduct := make(map[string]*group, len(draft.Lines))
	for _, line := range draft.Lines {
		batch := s.batchesByCode[line.Code]
		g, ok := groupByProduct[batch.ProductID]
		if !ok {
			g = &group{productID: batch.ProductID}
			groupByProduct[batch.ProductID] = g
			groups = append(groups, g)
		}
		g.qty += line.Quantity
		if line.Wholesale {
			g.wholesale = true
		}
		if g.override == nil && line.OverridePrice != nil {
			g.override = line.OverridePrice
		}
		g.consumed = append(g.consumed, domain.BatchConsumption{Code: line.Code, Quantity: line.Quantity})
	}

	subtotalNet := decimal.Zero
	subtotalGross := decimal.Zero
	lines := make([]domain.SaleLineItem, 0, len(groups))
	for _, g := range groups {
		p := s.products[g.productID]
		resolved := pricing.Resolve(p, g.qty, g.wholesale, g.override)
		lineNet, lineGross := resolved.LineTotals(g.qty)
		lines = append(lines, domain.SaleLineItem{
			ProductID:       g.productID,
			ProductName:     p.Name,
			Quantity:        g.qty,
			UnitNet:         resolved.UnitNet,
			UnitGross:       resolved.UnitGross,
			Discounted:      resolved.Discounted,
			Wholesale:       resolved.Wholesale,
			SubtotalNet:     lineNet,
			SubtotalGross:   lineGross,
			ConsumedBatches: g.consumed,
		})
		subtotalNet = subtotalNet.Add(lineNet)
		subtotalGross = subtotalGross.Add(lineGross)
	}

	discount := draft.Discount
	if discount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative discount", store.ErrValidation)
	}
	if discount.GreaterThan(subtotalGross) {
		discount = subtotalGross
	}

	fiscal := draft.Fiscal
	if fiscal != nil {
		doc := *fiscal
		doc.Number = s.nextFiscalNumberLocked(doc.Series)
		fiscal = &doc
	}

	sale := domain.Sale{
		ID:            draft.ID,
		CreatedAt:     draft.CreatedAt,
		CashierID:     draft.CashierID,
		PaymentMethod: draft.PaymentMethod,
		SubtotalNet:   subtotalNet,
		SubtotalGross: subtotalGross,
		Discount:      discount,
		TotalNet:      subtotalNet.Sub(pricing.NetFromGross(discount)),
		TotalGross:    subtotalGross.Sub(discount),
		Fiscal:        fiscal,
		Status:        domain.SaleStatusCompleted,
		TableNumber:   draft.TableNumber,
		Lines:         lines,
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	// All checks passed: apply the lockstep decrement.
	for code, requested := range requestedByCode {
		batch := s.batchesByCode[code]
		p := s.products[batch.ProductID]
		batch.Quantity -= requested
		p.Stock -= requested
		s.products[p.ID] = p
		if batch.Quantity == 0 {
			delete(s.batchesByCode, code)
		} else {
			s.batchesByCode[code] = batch
		}
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.saleOrder = append(s.saleOrder, sale.ID)
	return cloneSale(saved), nil
}

func (s *Store) nextFiscalNumberLocked(series string) int64 {
	var max int64
	for _, sale := range s.salesByID {
		if sale.Fiscal != nil && sale.Fiscal.Series == series && sale.Fiscal.Number > max {
			max = sale.Fiscal.Number
		}
	}
	return max + 1
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSalesBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, 32)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.Status == domain.SaleStatusVoided {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, id, sale.Status)
	}

	// Put stock back exactly where it came from, recreating drained batches.
	for _, line := range sale.Lines {
		for _, consumed := range line.ConsumedBatches {
			batch, ok := s.batchesByCode[consumed.Code]
			if !ok {
				batch = domain.BarcodeBatch{
					ID:        xid.New("batch"),
					ProductID: line.ProductID,
					Code:      consumed.Code,
					CreatedAt: at,
				}
			}
			batch.Quantity += consumed.Quantity
			s.batchesByCode[consumed.Code] = batch

			p := s.products[line.ProductID]
			p.Stock += consumed.Quantity
			s.products[p.ID] = p
		}
	}

	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	return cloneSale(sale), nil
}

func (s *Store) SetFiscalIssued(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Fiscal == nil {
		return fmt.Errorf("%w: sale %s has no fiscal document", store.ErrValidation, saleID)
	}
	sale.FiscalIssued = true
	return nil
}

func (s *Store) GetSavedCart(_ context.Context, tableNumber int) (*domain.SavedCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.savedCarts[tableNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyCart := cloneSavedCart(cart)
	return &copyCart, nil
}

func (s *Store) SaveCart(_ context.Context, cart domain.SavedCart) (*domain.SavedCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cart.TableNumber < 1 || cart.TableNumber > domain.MaxDineInTable {
		return nil, fmt.Errorf("%w: table %d out of range", store.ErrValidation, cart.TableNumber)
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = time.Now().UTC()
	}
	s.savedCarts[cart.TableNumber] = cloneSavedCart(cart)
	saved := cloneSavedCart(cart)
	return &saved, nil
}

func (s *Store) ClearSavedCart(_ context.Context, tableNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.savedCarts, tableNumber)
	return nil
}

func (s *Store) GetComandaByID(_ context.Context, id string) (*domain.Comanda, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comanda, ok := s.comandasByID[id]
	if !ok || comanda.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return cloneComanda(comanda), nil
}

func (s *Store) GetActiveComandaByTable(_ context.Context, tableNumber int) (*domain.Comanda, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.comandaOrder {
		c := s.comandasByID[id]
		if c.Type == domain.ComandaDineIn && c.Number == tableNumber && c.Active && c.DeletedAt == nil {
			return cloneComanda(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindComandaBySourceSale(_ context.Context, saleID string) (*domain.Comanda, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findBySourceSaleLocked(saleID)
	if c == nil {
		return nil, store.ErrNotFound
	}
	return cloneComanda(c), nil
}

func (s *Store) findBySourceSaleLocked(saleID string) *domain.Comanda {
	if saleID == "" {
		return nil
	}
	for _, id := range s.comandaOrder {
		c := s.comandasByID[id]
		if c.SourceSaleID == saleID && c.DeletedAt == nil {
			return c
		}
	}
	return nil
}

func (s *Store) ListComandas(_ context.Context, filter domain.ComandaFilter) ([]domain.Comanda, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Comanda, 0, len(s.comandaOrder))
	for _, id := range s.comandaOrder {
		c := s.comandasByID[id]
		if c.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		if !filter.Day.IsZero() {
			dayEnd := filter.Day.Add(24 * time.Hour)
			if c.CreatedAt.Before(filter.Day) || !c.CreatedAt.Before(dayEnd) {
				continue
			}
		}
		result = append(result, *cloneComanda(c))
	}
	return result, nil
}

func (s *Store) SaveComanda(_ context.Context, comanda domain.Comanda) (*domain.Comanda, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !comanda.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", store.ErrValidation, comanda.Status)
	}
	if comanda.ID == "" {
		comanda.ID = xid.New("cmd")
	}
	now := time.Now().UTC()
	if comanda.CreatedAt.IsZero() {
		comanda.CreatedAt = now
	}
	comanda.UpdatedAt = now

	if _, exists := s.comandasByID[comanda.ID]; !exists {
		s.comandaOrder = append(s.comandaOrder, comanda.ID)
	}
	s.comandasByID[comanda.ID] = cloneComanda(&comanda)
	return cloneComanda(&comanda), nil
}

func (s *Store) CreateDeliveryComanda(_ context.Context, comanda domain.Comanda) (*domain.Comanda, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate guard: a retried post-commit trigger must never create a
	// second ticket for the same sale.
	if existing := s.findBySourceSaleLocked(comanda.SourceSaleID); existing != nil {
		return cloneComanda(existing), nil
	}

	comanda.Type = domain.ComandaDelivery
	comanda.Number = s.nextDeliveryNumberLocked()
	if comanda.ID == "" {
		comanda.ID = xid.New("cmd")
	}
	now := time.Now().UTC()
	if comanda.CreatedAt.IsZero() {
		comanda.CreatedAt = now
	}
	comanda.UpdatedAt = now
	if comanda.Status == "" {
		comanda.Status = domain.ComandaPending
	}
	comanda.Active = true

	s.comandaOrder = append(s.comandaOrder, comanda.ID)
	s.comandasByID[comanda.ID] = cloneComanda(&comanda)
	return cloneComanda(&comanda), nil
}

// nextDeliveryNumberLocked allocates max(existing delivery number)+1,
// starting at FirstDeliveryNumber. Numbers are never reused.
func (s *Store) nextDeliveryNumberLocked() int {
	max := domain.FirstDeliveryNumber - 1
	for _, c := range s.comandasByID {
		if c.Type == domain.ComandaDelivery && c.Number > max {
			max = c.Number
		}
	}
	return max + 1
}

func (s *Store) ExpireDeliveryComandas(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, c := range s.comandasByID {
		if c.Type != domain.ComandaDelivery || c.DeletedAt != nil {
			continue
		}
		if c.Status != domain.ComandaPending || c.ExpiresAt == nil {
			continue
		}
		if c.ExpiresAt.After(now) {
			continue
		}
		c.Status = domain.ComandaExpired
		c.Active = false
		c.UpdatedAt = now
		expired++
	}
	return expired, nil
}

func (s *Store) SoftDeleteComanda(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comandasByID[id]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	deletedAt := at
	c.DeletedAt = &deletedAt
	c.Active = false
	c.UpdatedAt = at
	return nil
}

func dayKey(day time.Time) string {
	return day.Format("2006-01-02")
}

func (s *Store) GetClosingForDay(_ context.Context, day time.Time) (*domain.CashClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closing, ok := s.closingsByDay[dayKey(day)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyClosing := closing
	return &copyClosing, nil
}

func (s *Store) CreateClosing(_ context.Context, closing domain.CashClosing) (*domain.CashClosing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(closing.Day)
	if _, exists := s.closingsByDay[key]; exists {
		return nil, store.ErrAlreadyClosed
	}
	if closing.ID == "" {
		closing.ID = xid.New("closing")
	}
	s.closingsByDay[key] = closing
	created := closing
	return &created, nil
}

func (s *Store) ListApprovedExpenses(_ context.Context, from time.Time, to time.Time) ([]domain.PersonalExpense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inWindow := func(t time.Time) bool {
		return !t.Before(from) && t.Before(to)
	}

	result := make([]domain.PersonalExpense, 0, 8)
	for _, e := range s.expenses {
		if e.Status != domain.ExpenseApproved {
			continue
		}
		if inWindow(e.ExpenseDate) || (e.ApprovedAt != nil && inWindow(*e.ApprovedAt)) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.PersonalExpense) (*domain.PersonalExpense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.Amount.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.Status == "" {
		expense.Status = domain.ExpensePending
	}
	s.expenses = append(s.expenses, expense)
	created := expense
	return &created, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByName[user.Username]; exists {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, u := range s.usersByName {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	copySale := *sale
	copySale.Lines = make([]domain.SaleLineItem, len(sale.Lines))
	for i, line := range sale.Lines {
		copyLine := line
		copyLine.ConsumedBatches = slices.Clone(line.ConsumedBatches)
		copySale.Lines[i] = copyLine
	}
	if sale.Fiscal != nil {
		fiscal := *sale.Fiscal
		copySale.Fiscal = &fiscal
	}
	if sale.VoidedAt != nil {
		at := *sale.VoidedAt
		copySale.VoidedAt = &at
	}
	if sale.TableNumber != nil {
		table := *sale.TableNumber
		copySale.TableNumber = &table
	}
	return &copySale
}

func cloneComanda(c *domain.Comanda) *domain.Comanda {
	copyComanda := *c
	copyComanda.Items = slices.Clone(c.Items)
	if c.ExpiresAt != nil {
		at := *c.ExpiresAt
		copyComanda.ExpiresAt = &at
	}
	if c.DeletedAt != nil {
		at := *c.DeletedAt
		copyComanda.DeletedAt = &at
	}
	return &copyComanda
}

func cloneSavedCart(cart domain.SavedCart) domain.SavedCart {
	copyCart := cart
	copyCart.Items = slices.Clone(cart.Items)
	return copyCart
}
