package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is one item as the backend serializes it. Prices arrive as
// decimal strings; old_price may be null.
type Product struct {
	ID               int64               `json:"id"`
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	ShortDescription string              `json:"short_description"`
	Price            decimal.Decimal     `json:"price"`
	OldPrice         decimal.NullDecimal `json:"old_price"`
	MainImage        string              `json:"main_image"`
	CategoryName     string              `json:"category_name"`
}

type page struct {
	Results *[]Product `json:"results"`
	Next    *string    `json:"next"`
}

// decodePage accepts a bare list or a paginated {results, next} object.
func decodePage(body []byte) (items []Product, next string, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("%w: empty body", ErrShape)
	}

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrShape, err)
		}
		return items, "", nil
	case '{':
		var p page
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrShape, err)
		}
		if p.Results == nil {
			return nil, "", fmt.Errorf("%w: object without results", ErrShape)
		}
		if p.Next != nil {
			next = *p.Next
		}
		return *p.Results, next, nil
	default:
		return nil, "", fmt.Errorf("%w: body is neither list nor object", ErrShape)
	}
}
