package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sifan077/kisalt/internal/app/store"
)

const (
	hexAlphabet       = "0123456789abcdef"
	maxCustomNameLen  = 50
	lengthEscalation  = 2
	bloomFalsePosRate = 0.01
)

var disallowedNameChars = regexp.MustCompile(`[^a-z0-9._-]`)

// ReserveFunc atomically claims code, failing with store.ErrCodeTaken when it is in use.
type ReserveFunc func(ctx context.Context, code string) error

// GeneratorOptions tunes random code generation.
type GeneratorOptions struct {
	Length        int
	MaxLength     int
	MaxAttempts   int
	ExpectedCodes uint
}

// CodeGenerator turns custom names or randomness into short codes. It never
// checks availability separately from claiming: every candidate goes straight
// to the ReserveFunc, and a bloom filter of known codes only saves round trips.
type CodeGenerator struct {
	opts   GeneratorOptions
	random func(length int) (string, error)

	mu   sync.Mutex
	seen *bloom.BloomFilter
}

// NewCodeGenerator returns a generator producing hex codes of opts.Length characters.
func NewCodeGenerator(opts GeneratorOptions) *CodeGenerator {
	if opts.Length <= 0 {
		opts.Length = 8
	}
	if opts.MaxLength < opts.Length {
		opts.MaxLength = opts.Length + 4*lengthEscalation
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.ExpectedCodes == 0 {
		opts.ExpectedCodes = 1_000_000
	}
	return &CodeGenerator{
		opts: opts,
		random: func(length int) (string, error) {
			return gonanoid.Generate(hexAlphabet, length)
		},
		seen: bloom.NewWithEstimates(opts.ExpectedCodes, bloomFalsePosRate),
	}
}

// Seed marks existing codes as taken.
func (g *CodeGenerator) Seed(codes []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, code := range codes {
		g.seen.AddString(code)
	}
}

func (g *CodeGenerator) remember(code string) {
	g.mu.Lock()
	g.seen.AddString(code)
	g.mu.Unlock()
}

func (g *CodeGenerator) maybeTaken(code string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.TestString(code)
}

// NormalizeCustomName lowercases name and strips every character outside [a-z0-9._-].
func NormalizeCustomName(name string) string {
	return disallowedNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
}

// ValidateCustomName checks a normalized custom name.
func ValidateCustomName(code string) error {
	switch {
	case len(code) > maxCustomNameLen:
		return invalid("customName", fmt.Sprintf("must be at most %d characters", maxCustomNameLen))
	case hasForbiddenExtension(code):
		return invalid("customName", "conflicts with static file names, pick another name")
	case reservedNames[code]:
		return invalid("customName", "is reserved, pick another name")
	}
	return nil
}

// Allocate claims a short code. A custom name that survives normalization is
// used as is and fails with ErrNameTaken when in use; otherwise a random code
// is generated, retried up to MaxAttempts times per length, growing the length
// on repeated collisions until MaxLength is exhausted.
func (g *CodeGenerator) Allocate(ctx context.Context, customName string, reserve ReserveFunc) (string, error) {
	if code := NormalizeCustomName(customName); code != "" {
		if err := ValidateCustomName(code); err != nil {
			return "", err
		}
		if err := reserve(ctx, code); err != nil {
			if errors.Is(err, store.ErrCodeTaken) {
				return "", ErrNameTaken
			}
			return "", err
		}
		g.remember(code)
		return code, nil
	}
	return g.allocateRandom(ctx, reserve)
}

func (g *CodeGenerator) allocateRandom(ctx context.Context, reserve ReserveFunc) (string, error) {
	for length := g.opts.Length; length <= g.opts.MaxLength; length += lengthEscalation {
		for attempt := 0; attempt < g.opts.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			code, err := g.random(length)
			if err != nil {
				return "", fmt.Errorf("generate code: %w", err)
			}
			if g.maybeTaken(code) {
				continue
			}

			err = reserve(ctx, code)
			if err == nil {
				g.remember(code)
				return code, nil
			}
			if !errors.Is(err, store.ErrCodeTaken) {
				return "", err
			}
			g.remember(code)
		}
	}
	return "", ErrCodeSpaceExhausted
}
