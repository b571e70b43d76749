package catalog

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Product is a storefront product as rendering code consumes it.
type Product struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Price        decimal.Decimal     `json:"price"`
	OldPrice     decimal.NullDecimal `json:"oldPrice"`
	Image        string              `json:"image"`
	Rating       float64             `json:"rating"`
	Reviews      int                 `json:"reviews"`
	CategoryName string              `json:"categoryName"`
}

// DiscountPercent returns round((old-price)/old*100), or 0 when there is no
// old price or it is not above the current price.
func (p Product) DiscountPercent() int {
	if !p.OldPrice.Valid {
		return 0
	}
	old := p.OldPrice.Decimal
	if !old.IsPositive() || old.LessThanOrEqual(p.Price) {
		return 0
	}
	return int(old.Sub(p.Price).Div(old).Mul(hundred).Round(0).IntPart())
}
