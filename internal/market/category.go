package market

import (
	"strings"

	"polymarket-exec/internal/config"
)

// DefaultCategory labels markets no rule matched.
const DefaultCategory = "Other"

// Categorizer assigns a topic label to market text. Rules are evaluated in
// configuration order and the first match wins.
type Categorizer struct {
	rules []config.CategoryRule
}

// NewCategorizer lowercases and trims the rule terms once up front.
func NewCategorizer(rules []config.CategoryRule) *Categorizer {
	normalized := make([]config.CategoryRule, 0, len(rules))
	for _, r := range rules {
		terms := make([]string, 0, len(r.Terms))
		for _, term := range r.Terms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term != "" {
				terms = append(terms, term)
			}
		}
		if r.Name == "" || len(terms) == 0 {
			continue
		}
		normalized = append(normalized, config.CategoryRule{Name: r.Name, Terms: terms})
	}
	return &Categorizer{rules: normalized}
}

// Categorize returns the first matching rule name, or DefaultCategory.
func (c *Categorizer) Categorize(question, description string) string {
	if c == nil {
		return DefaultCategory
	}
	text := strings.ToLower(question + " " + description)
	for _, r := range c.rules {
		for _, term := range r.Terms {
			if strings.Contains(text, term) {
				return r.Name
			}
		}
	}
	return DefaultCategory
}
