package taxonomy_test

import (
	"testing"

	"apbdes/internal/domain"
	"apbdes/internal/taxonomy"
)

func TestDefaultCatalog(t *testing.T) {
	c := taxonomy.Default()
	if c.Version() == "" {
		t.Fatal("expected a catalog version")
	}
	entry, ok := c.Lookup(domain.KindExpense, "Pembinaan Kemasyarakatan Desa")
	if !ok {
		t.Fatal("expected expense category in default catalog")
	}
	if entry.Code != "5.3" {
		t.Fatalf("code = %s, want 5.3", entry.Code)
	}
	if entry.Description == "" {
		t.Fatal("expected a description")
	}
	if _, ok := c.Lookup(domain.KindIncome, "Pembinaan Kemasyarakatan Desa"); ok {
		t.Fatal("expense category must not resolve under income")
	}
	if len(c.Entries(domain.KindIncome)) == 0 || len(c.Entries(domain.KindExpense)) == 0 {
		t.Fatal("expected entries for both kinds")
	}
}

func TestFromYAMLValidation(t *testing.T) {
	cases := map[string]string{
		"missing version": `
income:
  - {category: A, code: "4.1"}
expense:
  - {category: B, code: "5.1"}`,
		"missing expense": `
version: "1"
income:
  - {category: A, code: "4.1"}`,
		"entry without code": `
version: "1"
income:
  - {category: A}
expense:
  - {category: B, code: "5.1"}`,
		"malformed yaml": `{{`,
	}
	for name, doc := range cases {
		if _, err := taxonomy.FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	doc := `
version: "custom-1"
income:
  - {category: Retribusi, code: "4.9", description: Retribusi desa}
expense:
  - {category: Operasional, code: "5.9", description: Operasional kantor}
`
	c, err := taxonomy.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Version() != "custom-1" {
		t.Fatalf("version = %s", c.Version())
	}
	entry, ok := c.Lookup(domain.KindIncome, "Retribusi")
	if !ok || entry.Code != "4.9" {
		t.Fatalf("lookup = %+v ok=%v", entry, ok)
	}
}
