package catalog

import "strings"

// untitled labels products of a group with an empty title in flat listings
const untitled = "Без названия"

// ListedProduct is a product in the flat listing, tagged with its category.
type ListedProduct struct {
	Product
	Category      string `json:"category"`
	CategoryTitle string `json:"categoryTitle"`
}

// Slug lower-cases title and replaces every space with "-".
func Slug(title string) string {
	return strings.ReplaceAll(strings.ToLower(title), " ", "-")
}

// Flatten lists every product in group order.
func Flatten(groups []CategoryGroup) []ListedProduct {
	n := 0
	for _, g := range groups {
		n += len(g.Products)
	}

	out := make([]ListedProduct, 0, n)
	for _, g := range groups {
		title := g.Title
		if title == "" {
			title = untitled
		}
		slug := Slug(title)
		for _, p := range g.Products {
			out = append(out, ListedProduct{Product: p, Category: slug, CategoryTitle: title})
		}
	}
	return out
}

// FindGroup finds a group by exact title, by slug, or by a configured alias
// (alias keys are lower-case).
func FindGroup(groups []CategoryGroup, key string, aliases map[string]string) (CategoryGroup, bool) {
	want := strings.ToLower(strings.TrimSpace(key))
	if want == "" {
		return CategoryGroup{}, false
	}

	target := key
	if title, ok := aliases[want]; ok {
		target = title
	}

	for _, g := range groups {
		if g.Title == target || Slug(g.Title) == want || strings.EqualFold(g.Title, target) {
			return g, true
		}
	}
	return CategoryGroup{}, false
}
