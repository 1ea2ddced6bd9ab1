package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	st := newCountingStore()
	_, err := st.Put(context.Background(), "docs", "https://example.com/docs", 30)
	require.NoError(t, err)

	r := NewResolver(st, nil)

	target, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", target)

	target, err = r.Resolve(context.Background(), "DOCS")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", target)

	rec, err := st.Get(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Clicks)
	assert.False(t, rec.LastAccessedAt.Before(rec.CreatedAt))
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newCountingStore(), nil)

	_, err := r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_ReservedNamesSkipStore(t *testing.T) {
	st := newCountingStore()
	r := NewResolver(st, nil)

	for _, code := range []string{"favicon.ico", "robots.txt", "style.css", "font.woff2", "Logo.PNG", ""} {
		_, err := r.Resolve(context.Background(), code)
		assert.ErrorIs(t, err, ErrNotFound, code)
	}
	assert.Zero(t, st.gets.Load())
}
