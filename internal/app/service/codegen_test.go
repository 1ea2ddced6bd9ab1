package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sifan077/kisalt/internal/app/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCustomName(t *testing.T) {
	cases := map[string]string{
		"My-Link":         "my-link",
		"  spaced out  ":  "spacedout",
		"hello world!?":   "helloworld",
		"a.b_c-d":         "a.b_c-d",
		"ÜNICODE":         "nicode",
		"!!!":             "",
		"Release_2024.Q1": "release_2024.q1",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCustomName(in), "input %q", in)
	}
}

func TestValidateCustomName(t *testing.T) {
	assert.NoError(t, ValidateCustomName("docs"))
	assert.NoError(t, ValidateCustomName(strings.Repeat("a", maxCustomNameLen)))

	for _, name := range []string{
		strings.Repeat("a", maxCustomNameLen+1),
		"logo.png",
		"app.js",
		"favicon.ico",
		"robots.txt",
		"api",
	} {
		var verr *ValidationError
		assert.ErrorAs(t, ValidateCustomName(name), &verr, "name %q", name)
	}
}

func TestCodeGenerator_CustomName(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{})
	taken := map[string]bool{"promo": true}
	reserve := func(ctx context.Context, code string) error {
		if taken[code] {
			return store.ErrCodeTaken
		}
		taken[code] = true
		return nil
	}

	code, err := gen.Allocate(context.Background(), " Spring Sale ", reserve)
	require.NoError(t, err)
	assert.Equal(t, "springsale", code)

	_, err = gen.Allocate(context.Background(), "PROMO", reserve)
	assert.ErrorIs(t, err, ErrNameTaken)

	_, err = gen.Allocate(context.Background(), "style.css", reserve)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCodeGenerator_EmptyCustomNameFallsBackToRandom(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{Length: 8})

	code, err := gen.Allocate(context.Background(), "???", func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.Regexp(t, `^[0-9a-f]{8}$`, code)
}

func TestCodeGenerator_GrowsLengthOnCollisions(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{Length: 4, MaxLength: 6, MaxAttempts: 3})

	code, err := gen.Allocate(context.Background(), "", func(_ context.Context, code string) error {
		if len(code) == 4 {
			return store.ErrCodeTaken
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, code, 6)
}

func TestCodeGenerator_Exhausted(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{Length: 4, MaxLength: 6, MaxAttempts: 2})

	calls := 0
	_, err := gen.Allocate(context.Background(), "", func(context.Context, string) error {
		calls++
		return store.ErrCodeTaken
	})
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.LessOrEqual(t, calls, 4)
	assert.Positive(t, calls)
}

func TestCodeGenerator_PropagatesStorageErrors(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{})
	boom := errors.New("boom")

	_, err := gen.Allocate(context.Background(), "", func(context.Context, string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCodeGenerator_SkipsSeededCodes(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{Length: 8})
	sequence := []string{"deadbeef", "cafebabe"}
	var mu sync.Mutex
	gen.random = func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next := sequence[0]
		sequence = sequence[1:]
		return next, nil
	}
	gen.Seed([]string{"deadbeef"})

	var reserved []string
	code, err := gen.Allocate(context.Background(), "", func(_ context.Context, code string) error {
		reserved = append(reserved, code)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", code)
	assert.Equal(t, []string{"cafebabe"}, reserved)
}

func TestCodeGenerator_HonoursCancellation(t *testing.T) {
	gen := NewCodeGenerator(GeneratorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Allocate(ctx, "", func(context.Context, string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
