package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestContentHashIgnoresMapOrder(t *testing.T) {
	t.Parallel()

	h := New()
	a := crawler.RecordFields{SourceKey: "CERT-1", Values: map[string]string{"brand": "Acme", "model": "X1"}}
	b := crawler.RecordFields{SourceKey: "CERT-1", Values: map[string]string{"model": "X1", "brand": "Acme"}}
	ha, err := ContentHash(h, a)
	require.NoError(t, err)
	hb, err := ContentHash(h, b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	b.Values["model"] = "X2"
	hc, err := ContentHash(h, b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}
