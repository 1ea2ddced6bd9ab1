package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
)

// Safety checks in the order they run.
const (
	CheckPattern   = "pattern"
	CheckDomain    = "domain"
	CheckStructure = "structure"
	CheckProbe     = "probe"
)

const userAgent = "kisalt/1.0 (+link safety check)"

// DefaultBlockedPatterns reject nested shorteners and obviously malicious keywords.
var DefaultBlockedPatterns = []string{
	`(?i)^https?://(www\.)?(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly|is\.gd|buff\.ly|cutt\.ly)(:\d+)?(/|\?|#|$)`,
	`(?i)phishing`,
	`(?i)malware`,
	`(?i)scam`,
	`(?i)virus`,
}

// DefaultSuspiciousDomains are hostname substrings commonly abused for throwaway hosting.
var DefaultSuspiciousDomains = []string{
	"000webhostapp.com",
	"ngrok.io",
	"duckdns.org",
	"no-ip.org",
}

var executableTypes = map[string]bool{
	"application/octet-stream":                      true,
	"application/x-msdownload":                      true,
	"application/x-msdos-program":                   true,
	"application/x-executable":                      true,
	"application/x-elf":                             true,
	"application/x-mach-binary":                     true,
	"application/x-sh":                              true,
	"application/vnd.microsoft.portable-executable": true,
	"application/java-archive":                      true,
	"application/vnd.android.package-archive":       true,
}

var errTooManyRedirects = errors.New("too many redirects")

// Verdict is the outcome of a safety check. Inconclusive marks probe failures
// caused by the network rather than by anything the target served.
type Verdict struct {
	Safe         bool
	Check        string
	Reason       string
	Inconclusive bool
}

// SafetyOptions configures a SafetyValidator.
type SafetyOptions struct {
	Patterns           []string
	Domains            []string
	ProbeEnabled       bool
	ProbeTimeout       time.Duration
	MaxRedirects       int
	RejectInconclusive bool
	AllowPrivateHosts  bool
}

// SafetyValidator screens target URLs, cheapest checks first.
type SafetyValidator struct {
	patterns []*regexp.Regexp
	domains  []string
	opts     SafetyOptions
	guard    *hostGuard
	client   *http.Client
	logger   *zap.Logger
}

// NewSafetyValidator compiles the configured patterns. Empty pattern or domain
// lists fall back to the defaults.
func NewSafetyValidator(opts SafetyOptions, logger *zap.Logger) (*SafetyValidator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = DefaultBlockedPatterns
	}
	if len(opts.Domains) == 0 {
		opts.Domains = DefaultSuspiciousDomains
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}

	patterns := make([]*regexp.Regexp, 0, len(opts.Patterns))
	for _, p := range opts.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("safety: compile pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	domains := make([]string, 0, len(opts.Domains))
	for _, d := range opts.Domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}

	guard := newHostGuard(opts.AllowPrivateHosts)

	return &SafetyValidator{
		patterns: patterns,
		domains:  domains,
		opts:     opts,
		guard:    guard,
		client:   guard.client(opts.ProbeTimeout, opts.MaxRedirects),
		logger:   logger.Named("safety"),
	}, nil
}

// Check runs the pattern, domain, structure and probe checks in order and
// stops at the first failure.
func (v *SafetyValidator) Check(ctx context.Context, raw string) Verdict {
	for _, re := range v.patterns {
		if re.MatchString(raw) {
			return v.reject(CheckPattern, "url matches a blocked pattern", false)
		}
	}

	if u, err := url.Parse(raw); err == nil {
		host := strings.ToLower(u.Hostname())
		for _, d := range v.domains {
			if strings.Contains(host, d) {
				return v.reject(CheckDomain, fmt.Sprintf("domain %q is blocked", host), false)
			}
		}
	}

	if reason := v.structureProblem(raw); reason != "" {
		return v.reject(CheckStructure, reason, false)
	}

	if v.opts.ProbeEnabled {
		return v.probe(ctx, raw)
	}
	return Verdict{Safe: true}
}

func (v *SafetyValidator) reject(check, reason string, inconclusive bool) Verdict {
	metrics.SafetyRejections.WithLabelValues(check).Inc()
	return Verdict{Safe: false, Check: check, Reason: reason, Inconclusive: inconclusive}
}

func (v *SafetyValidator) structureProblem(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "invalid URL format"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "only http and https URLs are allowed"
	}
	host := u.Hostname()
	if host == "" {
		return "URL has no host"
	}
	if err := v.guard.checkHost(host); err != nil {
		return err.Error()
	}
	return ""
}

func (v *SafetyValidator) probe(ctx context.Context, raw string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, v.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return v.reject(CheckProbe, "invalid URL format", false)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			return v.reject(CheckProbe, fmt.Sprintf("more than %d redirects", v.opts.MaxRedirects), false)
		}
		var blocked *blockedHostError
		if errors.As(err, &blocked) {
			return v.reject(CheckProbe, blocked.reason, false)
		}
		v.logger.Debug("reachability probe failed", zap.String("url", raw), zap.Error(err))
		if !v.opts.RejectInconclusive {
			return Verdict{Safe: true, Check: CheckProbe, Reason: "host unreachable", Inconclusive: true}
		}
		return v.reject(CheckProbe, "host unreachable", true)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && executableTypes[strings.ToLower(mediaType)] {
			return v.reject(CheckProbe, fmt.Sprintf("target serves executable content (%s)", mediaType), false)
		}
	}
	return Verdict{Safe: true}
}
