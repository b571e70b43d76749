package catalog

import (
	"fmt"

	"github.com/agatticelli/storefront-catalog/internal/source"
)

// CategoryGroup is one category with its products in source order.
type CategoryGroup struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Products    []Product `json:"products"`
}

// GrouperConfig holds the labels used while reshaping.
type GrouperConfig struct {
	DefaultCategory     string  // group for products without category_name
	DescriptionTemplate string  // fmt template, %s is the category title
	PlaceholderImage    string  // image for products without main_image
	DefaultRating       float64
}

// Grouper reshapes the flat product list into category groups.
type Grouper struct {
	cfg GrouperConfig
}

// NewGrouper creates a Grouper, filling empty labels with the storefront defaults.
func NewGrouper(cfg GrouperConfig) *Grouper {
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "Другое"
	}
	if cfg.DescriptionTemplate == "" {
		cfg.DescriptionTemplate = "Шоколадные фигурки в категории %s"
	}
	if cfg.PlaceholderImage == "" {
		cfg.PlaceholderImage = "https://via.placeholder.com/300"
	}
	if cfg.DefaultRating == 0 {
		cfg.DefaultRating = 5
	}
	return &Grouper{cfg: cfg}
}

// Group makes one pass over items. A category's group is created on its first
// product; group order is first-seen order and products keep source order.
// The result is never nil.
func (g *Grouper) Group(items []source.Product) []CategoryGroup {
	groups := make([]CategoryGroup, 0)
	index := make(map[string]int)

	for _, item := range items {
		p := g.Product(item)

		i, ok := index[p.CategoryName]
		if !ok {
			i = len(groups)
			index[p.CategoryName] = i
			groups = append(groups, CategoryGroup{
				Title:       p.CategoryName,
				Description: fmt.Sprintf(g.cfg.DescriptionTemplate, p.CategoryName),
			})
		}
		groups[i].Products = append(groups[i].Products, p)
	}

	return groups
}

// Product maps one backend record to a storefront product.
func (g *Grouper) Product(item source.Product) Product {
	p := Product{
		ID:           item.ID,
		Name:         item.Name,
		Description:  item.ShortDescription,
		Price:        item.Price,
		OldPrice:     item.OldPrice,
		Image:        item.MainImage,
		Rating:       g.cfg.DefaultRating,
		CategoryName: item.CategoryName,
	}
	if p.Description == "" {
		p.Description = item.Description
	}
	if p.Image == "" {
		p.Image = g.cfg.PlaceholderImage
	}
	if p.CategoryName == "" {
		p.CategoryName = g.cfg.DefaultCategory
	}
	return p
}
