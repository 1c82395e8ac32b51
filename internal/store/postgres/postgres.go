package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"comandero/backend/internal/domain"
	"comandero/backend/internal/pricing"
	"comandero/backend/internal/store"
	"comandero/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, sku, name, category, price_net, price_gross,
	wholesale_net, wholesale_gross, on_offer, offer_net, offer_gross,
	stock, active, created_at, updated_at`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var wholesaleNet, wholesaleGross, offerNet, offerGross decimal.NullDecimal
	err := scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceNet, &p.PriceGross,
		&wholesaleNet, &wholesaleGross, &p.OnOffer, &offerNet, &offerGross,
		&p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if wholesaleNet.Valid && wholesaleGross.Valid {
		p.WholesaleNet = &wholesaleNet.Decimal
		p.WholesaleGross = &wholesaleGross.Decimal
	}
	if offerNet.Valid && offerGross.Valid {
		p.OfferNet = &offerNet.Decimal
		p.OfferGross = &offerGross.Decimal
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceGross.Sign() <= 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, sku, name, category, price_net, price_gross,
			wholesale_net, wholesale_gross, on_offer, offer_net, offer_gross,
			stock, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
	`, product.ID, product.SKU, product.Name, product.Category, product.PriceNet, product.PriceGross,
		nullDecimal(product.WholesaleNet), nullDecimal(product.WholesaleGross), product.OnOffer,
		nullDecimal(product.OfferNet), nullDecimal(product.OfferGross), product.Stock, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetBatchByCode(ctx context.Context, code string) (*domain.BarcodeBatch, error) {
	var batch domain.BarcodeBatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, code, quantity, created_at
		FROM barcode_batches
		WHERE code = $1
	`, code).Scan(&batch.ID, &batch.ProductID, &batch.Code, &batch.Quantity, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	batch.CreatedAt = batch.CreatedAt.UTC()
	return &batch, nil
}

func (s *Store) ReceiveBatch(ctx context.Context, batch domain.BarcodeBatch) (*domain.BarcodeBatch, error) {
	if batch.Code == "" || batch.Quantity < 1 {
		return nil, store.ErrValidation
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingProduct string
	err = tx.QueryRowContext(ctx, `
		SELECT product_id FROM barcode_batches WHERE code = $1 FOR UPDATE
	`, batch.Code).Scan(&existingProduct)
	switch {
	case err == nil:
		if existingProduct != batch.ProductID {
			return nil, fmt.Errorf("%w: code %s belongs to another product", store.ErrValidation, batch.Code)
		}
		err = tx.QueryRowContext(ctx, `
			UPDATE barcode_batches
			SET quantity = quantity + $2
			WHERE code = $1
			RETURNING id, quantity, created_at
		`, batch.Code, batch.Quantity).Scan(&batch.ID, &batch.Quantity, &batch.CreatedAt)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO barcode_batches (id, product_id, code, quantity, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, batch.ID, batch.ProductID, batch.Code, batch.Quantity, batch.CreatedAt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
	`, batch.ProductID, batch.Quantity)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, translateTxError(err)
	}
	created := batch
	return &created, nil
}

func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Lines) == 0 {
		return nil, fmt.Errorf("%w: empty line list", store.ErrValidation)
	}
	for _, line := range draft.Lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Lock every batch the sale touches before any counter moves.
	codes := uniqueCodes(draft.Lines)
	batchRows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, code, quantity
		FROM barcode_batches
		WHERE code = ANY($1)
		FOR UPDATE
	`, codes)
	if err != nil {
		return nil, err
	}
	batchByCode := make(map[string]domain.BarcodeBatch, len(codes))
	for batchRows.Next() {
		var b domain.BarcodeBatch
		if err := batchRows.Scan(&b.ID, &b.ProductID, &b.Code, &b.Quantity); err != nil {
			_ = batchRows.Close()
			return nil, err
		}
		batchByCode[b.Code] = b
	}
	if err := batchRows.Err(); err != nil {
		_ = batchRows.Close()
		return nil, err
	}
	_ = batchRows.Close()

	requestedByCode := make(map[string]int, len(draft.Lines))
	requestedByProduct := make(map[string]int, len(draft.Lines))
	for _, line := range draft.Lines {
		batch, ok := batchByCode[line.Code]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrInvalidBarcode, line.Code)
		}
		requestedByCode[line.Code] += line.Quantity
		requestedByProduct[batch.ProductID] += line.Quantity
	}
	for code, requested := range requestedByCode {
		if available := batchByCode[code].Quantity; requested > available {
			return nil, fmt.Errorf("%w: code %s requested %d available %d", store.ErrInsufficientStock, code, requested, available)
		}
	}

	productIDs := make([]string, 0, len(requestedByProduct))
	for id := range requestedByProduct {
		productIDs = append(productIDs, id)
	}
	productRows, err := pgTx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	productByID := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		p, err := scanProduct(productRows.Scan)
		if err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productByID[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	for productID, requested := range requestedByProduct {
		p, ok := productByID[productID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, productID)
		}
		if requested > p.Stock {
			return nil, fmt.Errorf("%w: product %s requested %d available %d", store.ErrInsufficientStock, productID, requested, p.Stock)
		}
	}

	// Group the scanned lines by product. Pricing sees the aggregate
	// quantity of each product across the whole sale.
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
		productID := batchByCode[line.Code].ProductID
		g, ok := groupByProduct[productID]
		if !ok {
			g = &group{productID: productID}
			groupByProduct[productID] = g
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
		p := productByID[g.productID]
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
		// Series numbering is gapless max+1. The serializable isolation
		// turns a concurrent allocation into a retryable conflict.
		err = pgTx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(fiscal_number), 0) + 1
			FROM sales
			WHERE fiscal_series = $1
		`, doc.Series).Scan(&doc.Number)
		if err != nil {
			return nil, err
		}
		fiscal = &doc
	}

	for code, requested := range requestedByCode {
		batch := batchByCode[code]
		if batch.Quantity == requested {
			_, err = pgTx.ExecContext(ctx, `DELETE FROM barcode_batches WHERE code = $1`, code)
		} else {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE barcode_batches SET quantity = quantity - $2 WHERE code = $1
			`, code, requested)
		}
		if err != nil {
			return nil, err
		}
	}
	for productID, requested := range requestedByProduct {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1
		`, productID, requested)
		if err != nil {
			return nil, err
		}
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

	var fiscalType, fiscalSeries, clientDocType, clientDocNumber any
	var fiscalNumber any
	if fiscal != nil {
		fiscalType = string(fiscal.Type)
		fiscalSeries = fiscal.Series
		fiscalNumber = fiscal.Number
		clientDocType = nullIfEmpty(string(fiscal.ClientDocType))
		clientDocNumber = nullIfEmpty(fiscal.ClientDocNumber)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, created_at, cashier_id, payment_method,
			subtotal_net, subtotal_gross, discount, total_net, total_gross,
			fiscal_type, fiscal_series, fiscal_number, client_doc_type, client_doc_number,
			fiscal_issued, status, void_reason, voided_at, table_number
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,false,$15,'',NULL,$16)
	`, sale.ID, sale.CreatedAt, sale.CashierID, sale.PaymentMethod,
		sale.SubtotalNet, sale.SubtotalGross, sale.Discount, sale.TotalNet, sale.TotalGross,
		fiscalType, fiscalSeries, fiscalNumber, clientDocType, clientDocNumber,
		sale.Status, nullInt(sale.TableNumber))
	if err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		consumed, err := json.Marshal(line.ConsumedBatches)
		if err != nil {
			return nil, err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, product_id, product_name, qty, unit_net, unit_gross,
				discounted, wholesale, subtotal_net, subtotal_gross, consumed_batches
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, sale.ID, line.ProductID, line.ProductName, line.Quantity, line.UnitNet, line.UnitGross,
			line.Discounted, line.Wholesale, line.SubtotalNet, line.SubtotalGross, consumed)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}
	return &sale, nil
}

const saleColumns = `id, created_at, cashier_id, payment_method,
	subtotal_net, subtotal_gross, discount, total_net, total_gross,
	fiscal_type, fiscal_series, fiscal_number, client_doc_type, client_doc_number,
	fiscal_issued, status, void_reason, voided_at, table_number`

func scanSale(scan func(dest ...any) error) (domain.Sale, error) {
	var sale domain.Sale
	var fiscalType, fiscalSeries, clientDocType, clientDocNumber sql.NullString
	var fiscalNumber sql.NullInt64
	var voidedAt sql.NullTime
	var tableNumber sql.NullInt64

	err := scan(&sale.ID, &sale.CreatedAt, &sale.CashierID, &sale.PaymentMethod,
		&sale.SubtotalNet, &sale.SubtotalGross, &sale.Discount, &sale.TotalNet, &sale.TotalGross,
		&fiscalType, &fiscalSeries, &fiscalNumber, &clientDocType, &clientDocNumber,
		&sale.FiscalIssued, &sale.Status, &sale.VoidReason, &voidedAt, &tableNumber)
	if err != nil {
		return sale, err
	}

	sale.CreatedAt = sale.CreatedAt.UTC()
	if fiscalType.Valid {
		sale.Fiscal = &domain.FiscalDocument{
			Type:            domain.FiscalDocType(fiscalType.String),
			Series:          fiscalSeries.String,
			Number:          fiscalNumber.Int64,
			ClientDocType:   domain.ClientDocType(clientDocType.String),
			ClientDocNumber: clientDocNumber.String,
		}
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	if tableNumber.Valid {
		table := int(tableNumber.Int64)
		sale.TableNumber = &table
	}
	return sale, nil
}

func (s *Store) loadSaleLines(ctx context.Context, saleID string) ([]domain.SaleLineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_net, unit_gross,
			discounted, wholesale, subtotal_net, subtotal_gross, consumed_batches
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLineItem, 0, 8)
	for rows.Next() {
		var line domain.SaleLineItem
		var consumed []byte
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.Quantity, &line.UnitNet, &line.UnitGross,
			&line.Discounted, &line.Wholesale, &line.SubtotalNet, &line.SubtotalGross, &consumed); err != nil {
			return nil, err
		}
		if len(consumed) > 0 {
			if err := json.Unmarshal(consumed, &line.ConsumedBatches); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	lines, err := s.loadSaleLines(ctx, id)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2 AND status <> $3
		ORDER BY created_at ASC
	`, from, to, domain.SaleStatusVoided)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM sales WHERE id = $1 FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrValidation, id, status)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, consumed_batches
		FROM sale_items
		WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	type restore struct {
		productID string
		consumed  []domain.BatchConsumption
	}
	restores := make([]restore, 0, 8)
	for itemRows.Next() {
		var r restore
		var consumed []byte
		if err := itemRows.Scan(&r.productID, &consumed); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		if len(consumed) > 0 {
			if err := json.Unmarshal(consumed, &r.consumed); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
		}
		restores = append(restores, r)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	// Restore every consumed batch, recreating the row if the sale drained it.
	for _, r := range restores {
		for _, consumed := range r.consumed {
			res, err := pgTx.ExecContext(ctx, `
				UPDATE barcode_batches SET quantity = quantity + $2 WHERE code = $1
			`, consumed.Code, consumed.Quantity)
			if err != nil {
				return nil, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected == 0 {
				_, err = pgTx.ExecContext(ctx, `
					INSERT INTO barcode_batches (id, product_id, code, quantity, created_at)
					VALUES ($1,$2,$3,$4,$5)
				`, xid.New("batch"), r.productID, consumed.Code, consumed.Quantity, at)
				if err != nil {
					return nil, err
				}
			}
			_, err = pgTx.ExecContext(ctx, `
				UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
			`, r.productID, consumed.Quantity)
			if err != nil {
				return nil, err
			}
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.SaleStatusVoided, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}
	return s.FindSaleByID(ctx, id)
}

func (s *Store) SetFiscalIssued(ctx context.Context, saleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET fiscal_issued = true
		WHERE id = $1 AND fiscal_type IS NOT NULL
	`, saleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: sale %s has no fiscal document", store.ErrValidation, saleID)
	}
	return nil
}

func (s *Store) GetSavedCart(ctx context.Context, tableNumber int) (*domain.SavedCart, error) {
	var cart domain.SavedCart
	var items []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT table_number, items, updated_at
		FROM saved_carts
		WHERE table_number = $1
	`, tableNumber).Scan(&cart.TableNumber, &items, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &cart.Items); err != nil {
			return nil, err
		}
	}
	cart.UpdatedAt = cart.UpdatedAt.UTC()
	return &cart, nil
}

func (s *Store) SaveCart(ctx context.Context, cart domain.SavedCart) (*domain.SavedCart, error) {
	if cart.TableNumber < 1 || cart.TableNumber > domain.MaxDineInTable {
		return nil, fmt.Errorf("%w: table %d out of range", store.ErrValidation, cart.TableNumber)
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = time.Now().UTC()
	}
	items, err := json.Marshal(cart.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_carts (table_number, items, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (table_number)
		DO UPDATE SET items = EXCLUDED.items, updated_at = EXCLUDED.updated_at
	`, cart.TableNumber, items, cart.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := cart
	return &saved, nil
}

func (s *Store) ClearSavedCart(ctx context.Context, tableNumber int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saved_carts WHERE table_number = $1`, tableNumber)
	return err
}

const comandaColumns = `id, number, type, status, active, items, total_gross,
	source_sale_id, created_at, updated_at, expires_at, deleted_at`

func scanComanda(scan func(dest ...any) error) (domain.Comanda, error) {
	var c domain.Comanda
	var items []byte
	var sourceSaleID sql.NullString
	var expiresAt, deletedAt sql.NullTime

	err := scan(&c.ID, &c.Number, &c.Type, &c.Status, &c.Active, &items, &c.TotalGross,
		&sourceSaleID, &c.CreatedAt, &c.UpdatedAt, &expiresAt, &deletedAt)
	if err != nil {
		return c, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &c.Items); err != nil {
			return c, err
		}
	}
	if sourceSaleID.Valid {
		c.SourceSaleID = sourceSaleID.String
	}
	if expiresAt.Valid {
		at := expiresAt.Time.UTC()
		c.ExpiresAt = &at
	}
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		c.DeletedAt = &at
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) GetComandaByID(ctx context.Context, id string) (*domain.Comanda, error) {
	c, err := scanComanda(s.db.QueryRowContext(ctx, `
		SELECT `+comandaColumns+`
		FROM comandas
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetActiveComandaByTable(ctx context.Context, tableNumber int) (*domain.Comanda, error) {
	c, err := scanComanda(s.db.QueryRowContext(ctx, `
		SELECT `+comandaColumns+`
		FROM comandas
		WHERE type = $1 AND number = $2 AND active = true AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, domain.ComandaDineIn, tableNumber).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindComandaBySourceSale(ctx context.Context, saleID string) (*domain.Comanda, error) {
	c, err := scanComanda(s.db.QueryRowContext(ctx, `
		SELECT `+comandaColumns+`
		FROM comandas
		WHERE source_sale_id = $1 AND deleted_at IS NULL
		LIMIT 1
	`, saleID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListComandas(ctx context.Context, filter domain.ComandaFilter) ([]domain.Comanda, error) {
	query := `
		SELECT ` + comandaColumns + `
		FROM comandas
		WHERE deleted_at IS NULL
			AND ($1 = '' OR status = $1)
			AND ($2 = '' OR type = $2)
	`
	if filter.ActiveOnly {
		query += ` AND active = true`
	}
	if !filter.Day.IsZero() {
		query += ` AND created_at >= $3 AND created_at < $4`
	}
	query += ` ORDER BY created_at ASC`

	args := []any{string(filter.Status), string(filter.Type)}
	if !filter.Day.IsZero() {
		args = append(args, filter.Day, filter.Day.Add(24*time.Hour))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comandas := make([]domain.Comanda, 0, 32)
	for rows.Next() {
		c, err := scanComanda(rows.Scan)
		if err != nil {
			return nil, err
		}
		comandas = append(comandas, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return comandas, nil
}

func (s *Store) SaveComanda(ctx context.Context, comanda domain.Comanda) (*domain.Comanda, error) {
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

	items, err := json.Marshal(comanda.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comandas (
			id, number, type, status, active, items, total_gross,
			source_sale_id, created_at, updated_at, expires_at, deleted_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL)
		ON CONFLICT (id)
		DO UPDATE SET
			number = EXCLUDED.number, status = EXCLUDED.status, active = EXCLUDED.active,
			items = EXCLUDED.items, total_gross = EXCLUDED.total_gross,
			source_sale_id = EXCLUDED.source_sale_id, updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`, comanda.ID, comanda.Number, comanda.Type, comanda.Status, comanda.Active, items, comanda.TotalGross,
		nullIfEmpty(comanda.SourceSaleID), comanda.CreatedAt, comanda.UpdatedAt, nullTime(comanda.ExpiresAt))
	if err != nil {
		return nil, err
	}
	saved := comanda
	return &saved, nil
}

func (s *Store) CreateDeliveryComanda(ctx context.Context, comanda domain.Comanda) (*domain.Comanda, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// A retried trigger for the same sale returns the existing ticket.
	if comanda.SourceSaleID != "" {
		existing, err := scanComanda(pgTx.QueryRowContext(ctx, `
			SELECT `+comandaColumns+`
			FROM comandas
			WHERE source_sale_id = $1 AND deleted_at IS NULL
			LIMIT 1
		`, comanda.SourceSaleID).Scan)
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	// Delivery numbers start above the dine-in range and never reset.
	err = pgTx.QueryRowContext(ctx, `
		SELECT GREATEST(COALESCE(MAX(number), 0), $1) + 1
		FROM comandas
		WHERE type = $2
	`, domain.MaxDineInTable, domain.ComandaDelivery).Scan(&comanda.Number)
	if err != nil {
		return nil, err
	}

	comanda.Type = domain.ComandaDelivery
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

	items, err := json.Marshal(comanda.Items)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO comandas (
			id, number, type, status, active, items, total_gross,
			source_sale_id, created_at, updated_at, expires_at, deleted_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL)
	`, comanda.ID, comanda.Number, comanda.Type, comanda.Status, comanda.Active, items, comanda.TotalGross,
		nullIfEmpty(comanda.SourceSaleID), comanda.CreatedAt, comanda.UpdatedAt, nullTime(comanda.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) && comanda.SourceSaleID != "" {
			existing, lookupErr := s.FindComandaBySourceSale(ctx, comanda.SourceSaleID)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}
	return &comanda, nil
}

func (s *Store) ExpireDeliveryComandas(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comandas
		SET status = $1, active = false, updated_at = $2
		WHERE type = $3
			AND status = $4
			AND deleted_at IS NULL
			AND expires_at IS NOT NULL
			AND expires_at <= $2
	`, domain.ComandaExpired, now, domain.ComandaDelivery, domain.ComandaPending)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) SoftDeleteComanda(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comandas
		SET deleted_at = $2, active = false, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetClosingForDay(ctx context.Context, day time.Time) (*domain.CashClosing, error) {
	var closing domain.CashClosing
	err := s.db.QueryRowContext(ctx, `
		SELECT id, day, opened_at, closed_at, total_cash, total_card, total_transfer,
			total_wallet, expense_total, cash_on_hand, expected_balance, discrepancy, notes
		FROM cash_closings
		WHERE day = $1
	`, dateUTC(day)).Scan(
		&closing.ID, &closing.Day, &closing.OpenedAt, &closing.ClosedAt,
		&closing.TotalCash, &closing.TotalCard, &closing.TotalTransfer, &closing.TotalWallet,
		&closing.ExpenseTotal, &closing.CashOnHand, &closing.ExpectedBalance, &closing.Discrepancy,
		&closing.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	closing.Day = dateUTC(closing.Day)
	closing.OpenedAt = closing.OpenedAt.UTC()
	closing.ClosedAt = closing.ClosedAt.UTC()
	return &closing, nil
}

func (s *Store) CreateClosing(ctx context.Context, closing domain.CashClosing) (*domain.CashClosing, error) {
	if closing.ID == "" {
		closing.ID = xid.New("closing")
	}

	// The day column carries a unique constraint: the second closing of the
	// same day loses here regardless of which process computed it.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_closings (
			id, day, opened_at, closed_at, total_cash, total_card, total_transfer,
			total_wallet, expense_total, cash_on_hand, expected_balance, discrepancy, notes
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, closing.ID, dateUTC(closing.Day), closing.OpenedAt, closing.ClosedAt,
		closing.TotalCash, closing.TotalCard, closing.TotalTransfer, closing.TotalWallet,
		closing.ExpenseTotal, closing.CashOnHand, closing.ExpectedBalance, closing.Discrepancy,
		closing.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyClosed
		}
		return nil, err
	}
	created := closing
	return &created, nil
}

func (s *Store) ListApprovedExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.PersonalExpense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount, status, expense_date, approved_at
		FROM personal_expenses
		WHERE status = $1
			AND (
				(expense_date >= $2 AND expense_date < $3)
				OR (approved_at IS NOT NULL AND approved_at >= $2 AND approved_at < $3)
			)
		ORDER BY expense_date ASC
	`, domain.ExpenseApproved, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.PersonalExpense, 0, 16)
	for rows.Next() {
		var e domain.PersonalExpense
		var approvedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Amount, &e.Status, &e.ExpenseDate, &approvedAt); err != nil {
			return nil, err
		}
		e.ExpenseDate = e.ExpenseDate.UTC()
		if approvedAt.Valid {
			at := approvedAt.Time.UTC()
			e.ApprovedAt = &at
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.PersonalExpense) (*domain.PersonalExpense, error) {
	if expense.Amount.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.Status == "" {
		expense.Status = domain.ExpensePending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personal_expenses (id, amount, status, expense_date, approved_at)
		VALUES ($1,$2,$3,$4,$5)
	`, expense.ID, expense.Amount, expense.Status, expense.ExpenseDate, nullTime(expense.ApprovedAt))
	if err != nil {
		return nil, err
	}
	created := expense
	return &created, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueCodes(lines []domain.SaleLineRequest) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.Code == "" {
			continue
		}
		set[line.Code] = struct{}{}
	}
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	return codes
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// translateTxError maps serialization failures and deadlocks to ErrConflict
// so callers can retry the whole unit of work.
func translateTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Code)
	}
	return err
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
