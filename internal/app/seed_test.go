package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phenrril/ecomcore/internal/domain"
)

func TestSeedCatalogIsConsistent(t *testing.T) {
	names := map[string]bool{}
	stack := append([]seedCategory(nil), catalogTree...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		assert.False(t, names[c.name], "duplicate category %s", c.name)
		names[c.name] = true
		stack = append(stack, c.children...)
	}

	skus, slugs := map[string]bool{}, map[string]bool{}
	for _, p := range catalogProducts {
		assert.True(t, names[p.category], "%s points at unknown category %s", p.name, p.category)
		assert.False(t, skus[p.sku], "duplicate sku %s", p.sku)
		skus[p.sku] = true
		slug := domain.Slugify(p.name)
		assert.NotEmpty(t, slug)
		assert.False(t, slugs[slug], "duplicate slug %s", slug)
		slugs[slug] = true
	}
}
