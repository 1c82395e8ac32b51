package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"comandero/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testProduct() domain.Product {
	return domain.Product{
		ID:             "prod-1",
		SKU:            "SKU-1",
		Name:           "Gaseosa 500ml",
		PriceNet:       dec("8.47"),
		PriceGross:     dec("10.00"),
		WholesaleNet:   decPtr("6.78"),
		WholesaleGross: decPtr("8.00"),
	}
}

func TestStandardPriceBelowWholesaleThreshold(t *testing.T) {
	r := Resolve(testProduct(), 9, false, nil)
	if !r.UnitGross.Equal(dec("10.00")) {
		t.Fatalf("expected standard gross 10.00, got %s", r.UnitGross)
	}
	if r.Wholesale || r.Discounted {
		t.Fatalf("expected plain standard pricing, got %+v", r)
	}
}

func TestWholesaleAtThreshold(t *testing.T) {
	r := Resolve(testProduct(), 10, false, nil)
	if !r.UnitGross.Equal(dec("8.00")) {
		t.Fatalf("expected wholesale gross 8.00 at threshold, got %s", r.UnitGross)
	}
	if !r.Wholesale {
		t.Fatalf("expected wholesale flag set")
	}
	if !r.UnitNet.Equal(dec("6.78")) {
		t.Fatalf("expected wholesale net 6.78, got %s", r.UnitNet)
	}
}

func TestWholesaleExplicitFlagBelowThreshold(t *testing.T) {
	r := Resolve(testProduct(), 2, true, nil)
	if !r.UnitGross.Equal(dec("8.00")) {
		t.Fatalf("expected explicit wholesale gross 8.00, got %s", r.UnitGross)
	}
}

func TestWholesaleIgnoredWithoutWholesalePrice(t *testing.T) {
	p := testProduct()
	p.WholesaleNet = nil
	p.WholesaleGross = nil
	r := Resolve(p, 50, true, nil)
	if !r.UnitGross.Equal(dec("10.00")) {
		t.Fatalf("expected fallback to standard price, got %s", r.UnitGross)
	}
	if r.Wholesale {
		t.Fatalf("wholesale flag should not be set without a wholesale price")
	}
}

func TestOfferBeatsWholesale(t *testing.T) {
	p := testProduct()
	p.OnOffer = true
	p.OfferNet = decPtr("6.36")
	p.OfferGross = decPtr("7.50")

	for _, qty := range []int{1, 9, 10, 100} {
		r := Resolve(p, qty, true, nil)
		if !r.UnitGross.Equal(dec("7.50")) {
			t.Fatalf("qty %d: expected offer gross 7.50, got %s", qty, r.UnitGross)
		}
		if !r.Discounted {
			t.Fatalf("qty %d: expected discounted flag", qty)
		}
		if r.Wholesale {
			t.Fatalf("qty %d: offer must win over wholesale", qty)
		}
	}
}

func TestOverrideBeatsEverything(t *testing.T) {
	p := testProduct()
	p.OnOffer = true
	p.OfferNet = decPtr("6.36")
	p.OfferGross = decPtr("7.50")

	r := Resolve(p, 20, true, decPtr("5.90"))
	if !r.UnitGross.Equal(dec("5.90")) {
		t.Fatalf("expected override gross 5.90, got %s", r.UnitGross)
	}
	if !r.UnitNet.Equal(dec("5.00")) {
		t.Fatalf("expected override net 5.00 (5.90/1.18), got %s", r.UnitNet)
	}
	if r.Discounted || r.Wholesale {
		t.Fatalf("override lines carry no offer/wholesale flags, got %+v", r)
	}
}

func TestLineTotalsRoundPerLine(t *testing.T) {
	p := testProduct()
	p.PriceNet = dec("3.333")
	p.PriceGross = dec("3.933")

	r := Resolve(p, 3, false, nil)
	net, gross := r.LineTotals(3)
	// Unit prices round to 3.33 / 3.93 before multiplication.
	if !net.Equal(dec("9.99")) {
		t.Fatalf("expected net line total 9.99, got %s", net)
	}
	if !gross.Equal(dec("11.79")) {
		t.Fatalf("expected gross line total 11.79, got %s", gross)
	}
}
