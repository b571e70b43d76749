package config

import "strings"

// defaultCategoryAliases maps the short category codes used in storefront
// links to the category titles the backend returns.
var defaultCategoryAliases = map[string]string{
	"dark":  "Горький шоколад",
	"milk":  "Молочный шоколад",
	"ruby":  "Рубиновый шоколад",
	"white": "Белый шоколад",
	"color": "Цветной шоколад",
}

// DefaultCategoryAliases returns a copy of the built-in alias table
func DefaultCategoryAliases() map[string]string {
	out := make(map[string]string, len(defaultCategoryAliases))
	for k, v := range defaultCategoryAliases {
		out[k] = v
	}
	return out
}

// NormalizeAliases lower-cases alias keys and drops empty entries. Viper
// already lower-cases keys read from files, but env and code paths do not.
func NormalizeAliases(aliases map[string]string) map[string]string {
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
