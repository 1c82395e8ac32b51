// Package pricing resolves the unit price of a product group within a sale.
// Precedence: manual override, then offer price, then wholesale, then the
// standard price. Net and gross amounts always come from the same branch.
package pricing

import (
	"github.com/shopspring/decimal"

	"comandero/backend/internal/domain"
)

// WholesaleThreshold is the aggregate quantity of one product within a sale
// that triggers wholesale pricing without an explicit flag.
const WholesaleThreshold = 10

// igvFactor converts a tax-inclusive override price to its net amount.
// Product records carry both amounts so only overrides need the factor.
var igvFactor = decimal.NewFromFloat(1.18)

type Resolved struct {
	UnitNet    decimal.Decimal
	UnitGross  decimal.Decimal
	Discounted bool
	Wholesale  bool
}

// Resolve prices one product for a sale. qty is the aggregate quantity of the
// product across the whole sale; wholesale is the explicit per-line flag;
// override, when present, is a tax-inclusive manual unit price.
func Resolve(product domain.Product, qty int, wholesale bool, override *decimal.Decimal) Resolved {
	if override != nil {
		gross := override.Round(2)
		return Resolved{
			UnitNet:   gross.Div(igvFactor).Round(2),
			UnitGross: gross,
		}
	}

	if product.OnOffer && product.OfferNet != nil && product.OfferGross != nil {
		return Resolved{
			UnitNet:    product.OfferNet.Round(2),
			UnitGross:  product.OfferGross.Round(2),
			Discounted: true,
		}
	}

	if (wholesale || qty >= WholesaleThreshold) && product.WholesaleNet != nil && product.WholesaleGross != nil {
		return Resolved{
			UnitNet:   product.WholesaleNet.Round(2),
			UnitGross: product.WholesaleGross.Round(2),
			Wholesale: true,
		}
	}

	return Resolved{
		UnitNet:   product.PriceNet.Round(2),
		UnitGross: product.PriceGross.Round(2),
	}
}

// NetFromGross strips tax from a gross amount, rounding to two decimals.
func NetFromGross(gross decimal.Decimal) decimal.Decimal {
	return gross.Div(igvFactor).Round(2)
}

// LineTotals multiplies the resolved unit prices out to line subtotals,
// rounding per line so aggregation never compounds sub-cent error.
func (r Resolved) LineTotals(qty int) (net decimal.Decimal, gross decimal.Decimal) {
	q := decimal.NewFromInt(int64(qty))
	return r.UnitNet.Mul(q).Round(2), r.UnitGross.Mul(q).Round(2)
}
