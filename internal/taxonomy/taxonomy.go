// Package taxonomy maps budget categories to account codes and ledger
// descriptions. The catalog is versioned so a taxonomy change never requires
// touching transition logic.
package taxonomy

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"apbdes/internal/domain"
)

//go:embed catalog.yml
var defaultCatalogYAML []byte

// Entry is one valid category with its derived fields.
type Entry struct {
	Category    string `yaml:"category"`
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// Catalog resolves categories for a given kind.
type Catalog interface {
	Lookup(kind domain.Kind, category string) (Entry, bool)
	Entries(kind domain.Kind) []Entry
	Version() string
}

type catalogFile struct {
	Version string  `yaml:"version"`
	Income  []Entry `yaml:"income"`
	Expense []Entry `yaml:"expense"`
}

type catalog struct {
	version string
	income  map[string]Entry
	expense map[string]Entry
	order   map[domain.Kind][]Entry
}

// FromYAML parses and validates a catalog document.
func FromYAML(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid taxonomy yaml: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("taxonomy version is required")
	}
	if len(f.Income) == 0 || len(f.Expense) == 0 {
		return nil, fmt.Errorf("taxonomy must define income and expense categories")
	}
	c := &catalog{
		version: f.Version,
		income:  map[string]Entry{},
		expense: map[string]Entry{},
		order: map[domain.Kind][]Entry{
			domain.KindIncome:  f.Income,
			domain.KindExpense: f.Expense,
		},
	}
	for _, e := range f.Income {
		if e.Category == "" || e.Code == "" {
			return nil, fmt.Errorf("income entry missing category or code")
		}
		c.income[e.Category] = e
	}
	for _, e := range f.Expense {
		if e.Category == "" || e.Code == "" {
			return nil, fmt.Errorf("expense entry missing category or code")
		}
		c.expense[e.Category] = e
	}
	return c, nil
}

// Default returns the embedded catalog. The embedded file is validated at
// build time by the package tests, so a parse failure here is a programmer
// error.
func Default() Catalog {
	c, err := FromYAML(defaultCatalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *catalog) Lookup(kind domain.Kind, category string) (Entry, bool) {
	switch kind {
	case domain.KindIncome:
		e, ok := c.income[category]
		return e, ok
	case domain.KindExpense:
		e, ok := c.expense[category]
		return e, ok
	}
	return Entry{}, false
}

func (c *catalog) Entries(kind domain.Kind) []Entry {
	return c.order[kind]
}

func (c *catalog) Version() string { return c.version }
