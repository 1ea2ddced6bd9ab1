package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sifan077/kisalt/internal/app/model"
	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MaxURLLength          = 2000
	MinExpirationDays     = 1
	MaxExpirationDays     = 3650
	defaultExpirationDays = 365
	defaultBulkLimit      = 100
	defaultBulkWorkers    = 8
)

// URLStore is the subset of the two-tier store the service layer needs.
type URLStore interface {
	Get(ctx context.Context, code string) (*model.URLRecord, error)
	Put(ctx context.Context, code, url string, expirationDays int) (*model.URLRecord, error)
	RecordAccess(code string)
	Delete(ctx context.Context, code string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	List(ctx context.Context) (map[string]string, error)
}

// SafetyChecker screens target URLs.
type SafetyChecker interface {
	Check(ctx context.Context, url string) Verdict
}

// PreviewSource builds page previews.
type PreviewSource interface {
	Fetch(ctx context.Context, url string) (*Preview, error)
}

// Options tunes the URL service.
type Options struct {
	DefaultExpirationDays int
	BulkLimit             int
	BulkConcurrency       int
	// PreviewBudget bounds how long Shorten waits for a preview.
	PreviewBudget time.Duration
	AdminPassword string
}

// Deps groups the collaborators of URLService. Safety and Preview are optional.
type Deps struct {
	Store   URLStore
	Codes   *CodeGenerator
	Safety  SafetyChecker
	Preview PreviewSource
	Logger  *zap.Logger
}

// URLService implements shorten, list, stats and delete.
type URLService struct {
	store    URLStore
	codes    *CodeGenerator
	safety   SafetyChecker
	preview  PreviewSource
	logger   *zap.Logger
	validate *validator.Validate
	opts     Options
}

func NewURLService(deps Deps, opts Options) *URLService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultExpirationDays <= 0 {
		opts.DefaultExpirationDays = defaultExpirationDays
	}
	if opts.BulkLimit <= 0 {
		opts.BulkLimit = defaultBulkLimit
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = defaultBulkWorkers
	}
	codes := deps.Codes
	if codes == nil {
		codes = NewCodeGenerator(GeneratorOptions{})
	}
	return &URLService{
		store:    deps.Store,
		codes:    codes,
		safety:   deps.Safety,
		preview:  deps.Preview,
		logger:   logger.Named("url_service"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
	}
}

// ShortenInput is a single shorten request.
type ShortenInput struct {
	OriginalURL    string `json:"originalUrl" validate:"required,max=2000"`
	CustomName     string `json:"customName,omitempty" validate:"max=200"`
	ExpirationDays int    `json:"expirationDays,omitempty" validate:"omitempty,min=1,max=3650"`
	// SkipPreview disables preview enrichment, as bulk requests do.
	SkipPreview bool `json:"-"`
}

// ShortenResult is the stored record plus an optional preview.
type ShortenResult struct {
	Record  *model.URLRecord
	Preview *Preview
}

// Shorten validates, screens and stores a URL. Input problems are rejected
// before any storage or network call.
func (s *URLService) Shorten(ctx context.Context, in ShortenInput) (*ShortenResult, error) {
	if err := s.validateInput(in); err != nil {
		metrics.ShortenTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if s.safety != nil {
		if verdict := s.safety.Check(ctx, in.OriginalURL); !verdict.Safe {
			metrics.ShortenTotal.WithLabelValues("unsafe").Inc()
			s.logger.Info("url rejected",
				zap.String("check", verdict.Check),
				zap.String("reason", verdict.Reason),
				zap.Bool("inconclusive", verdict.Inconclusive),
			)
			return nil, &SafetyError{Check: verdict.Check, Reason: verdict.Reason}
		}
	}

	days := in.ExpirationDays
	if days == 0 {
		days = s.opts.DefaultExpirationDays
	}

	var rec *model.URLRecord
	_, err := s.codes.Allocate(ctx, in.CustomName, func(ctx context.Context, code string) error {
		stored, err := s.store.Put(ctx, code, in.OriginalURL, days)
		if err != nil {
			return err
		}
		rec = stored
		return nil
	})
	if err != nil {
		s.countFailure(err)
		return nil, err
	}
	metrics.ShortenTotal.WithLabelValues("created").Inc()

	result := &ShortenResult{Record: rec}
	if s.preview != nil && !in.SkipPreview {
		previewCtx, cancelPreview := context.WithCancel(ctx)
		defer cancelPreview()
		result.Preview = s.awaitPreview(s.startPreview(previewCtx, in.OriginalURL))
	}
	return result, nil
}

func (s *URLService) countFailure(err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		metrics.ShortenTotal.WithLabelValues("invalid").Inc()
	case errors.Is(err, ErrNameTaken):
		metrics.ShortenTotal.WithLabelValues("taken").Inc()
	default:
		metrics.ShortenTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to shorten url", zap.Error(err))
	}
}

func (s *URLService) validateInput(in ShortenInput) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return invalid("", "invalid request")
		}
		return describeFieldError(verrs[0])
	}

	u, err := url.Parse(in.OriginalURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return invalid("originalUrl", "invalid URL format")
	}
	return nil
}

func describeFieldError(fe validator.FieldError) error {
	switch fe.StructField() {
	case "OriginalURL":
		if fe.Tag() == "required" {
			return invalid("originalUrl", "URL is required")
		}
		return invalid("originalUrl", fmt.Sprintf("URL must be at most %d characters", MaxURLLength))
	case "CustomName":
		return invalid("customName", "custom name is too long")
	case "ExpirationDays":
		return invalid("expirationDays",
			fmt.Sprintf("must be between %d and %d days", MinExpirationDays, MaxExpirationDays))
	}
	return invalid(fe.Field(), "is invalid")
}

func (s *URLService) startPreview(ctx context.Context, target string) <-chan *Preview {
	ch := make(chan *Preview, 1)
	go func() {
		p, err := s.preview.Fetch(ctx, target)
		if err != nil {
			metrics.PreviewTotal.WithLabelValues("failed").Inc()
			s.logger.Debug("no preview available", zap.String("url", target), zap.Error(err))
			p = nil
		} else {
			metrics.PreviewTotal.WithLabelValues("ok").Inc()
		}
		ch <- p
	}()
	return ch
}

func (s *URLService) awaitPreview(ch <-chan *Preview) *Preview {
	if s.opts.PreviewBudget <= 0 {
		return <-ch
	}
	timer := time.NewTimer(s.opts.PreviewBudget)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p
	case <-timer.C:
		metrics.PreviewTotal.WithLabelValues("over_budget").Inc()
		return nil
	}
}

// BulkItem is one entry of a bulk request. It decodes from either a plain URL
// string or a ShortenInput object.
type BulkItem struct {
	ShortenInput
}

func (b *BulkItem) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		b.OriginalURL = raw
		return nil
	}
	return json.Unmarshal(data, &b.ShortenInput)
}

// BulkInput is a bulk shorten request.
type BulkInput struct {
	URLs                  []BulkItem `json:"urls"`
	DefaultExpirationDays int        `json:"defaultExpirationDays,omitempty"`
}

// BulkResult is the per-item outcome of a bulk request.
type BulkResult struct {
	Index       int
	OriginalURL string
	Record      *model.URLRecord
	Err         error
}

// BulkShorten shortens every item independently; one failing item never
// affects its siblings. Only a malformed batch fails as a whole.
func (s *URLService) BulkShorten(ctx context.Context, in BulkInput) ([]BulkResult, error) {
	if len(in.URLs) == 0 {
		return nil, invalid("urls", "at least one URL is required")
	}
	if len(in.URLs) > s.opts.BulkLimit {
		return nil, invalid("urls", fmt.Sprintf("at most %d URLs per request", s.opts.BulkLimit))
	}
	if d := in.DefaultExpirationDays; d != 0 && (d < MinExpirationDays || d > MaxExpirationDays) {
		return nil, invalid("defaultExpirationDays",
			fmt.Sprintf("must be between %d and %d days", MinExpirationDays, MaxExpirationDays))
	}

	results := make([]BulkResult, len(in.URLs))
	var g errgroup.Group
	g.SetLimit(s.opts.BulkConcurrency)

	for i, item := range in.URLs {
		input := item.ShortenInput
		input.SkipPreview = true
		if input.ExpirationDays == 0 {
			input.ExpirationDays = in.DefaultExpirationDays
		}

		g.Go(func() error {
			res, err := s.Shorten(ctx, input)
			results[i] = BulkResult{Index: i, OriginalURL: input.OriginalURL, Err: err}
			if err == nil {
				results[i].Record = res.Record
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// List returns every live code mapped to its target.
func (s *URLService) List(ctx context.Context) (map[string]string, error) {
	return s.store.List(ctx)
}

// Stats returns the record for code without counting an access.
func (s *URLService) Stats(ctx context.Context, code string) (*model.URLRecord, error) {
	if code == "" || IsReservedPath(code) {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, strings.ToLower(code))
}

// Delete removes code after checking the admin password.
func (s *URLService) Delete(ctx context.Context, password, code string) (int64, error) {
	if err := s.authorize(password); err != nil {
		return 0, err
	}
	n, err := s.store.Delete(ctx, strings.ToLower(code))
	if err != nil {
		return n, fmt.Errorf("delete %q: %w", code, err)
	}
	s.logger.Info("deleted short code", zap.String("code", code), zap.Int64("removed", n))
	return n, nil
}

// DeleteAll removes every record after checking the admin password.
func (s *URLService) DeleteAll(ctx context.Context, password string) (int64, error) {
	if err := s.authorize(password); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return n, fmt.Errorf("delete all: %w", err)
	}
	s.logger.Warn("deleted all short codes", zap.Int64("removed", n))
	return n, nil
}

func (s *URLService) authorize(password string) error {
	if s.opts.AdminPassword == "" || password == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.AdminPassword)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
