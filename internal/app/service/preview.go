package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotHTML signals that the target did not serve an HTML document.
var ErrNotHTML = errors.New("response is not html")

// Preview is the page metadata shown next to a freshly shortened URL.
type Preview struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
}

// PreviewError wraps any failure to build a preview. Callers treat it as
// "no preview available".
type PreviewError struct {
	URL string
	Err error
}

func (e *PreviewError) Error() string {
	return fmt.Sprintf("preview %s: %v", e.URL, e.Err)
}

func (e *PreviewError) Unwrap() error {
	return e.Err
}

// PreviewOptions configures a PreviewFetcher.
type PreviewOptions struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	// AllowPrivateHosts lets the fetcher reach private and loopback addresses.
	AllowPrivateHosts bool
}

// PreviewFetcher downloads a page and extracts its title, description, image,
// site name and favicon.
type PreviewFetcher struct {
	client *http.Client
	guard  *hostGuard
	opts   PreviewOptions
}

func NewPreviewFetcher(opts PreviewOptions) *PreviewFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	guard := newHostGuard(opts.AllowPrivateHosts)
	return &PreviewFetcher{
		opts:   opts,
		guard:  guard,
		client: guard.client(opts.Timeout, opts.MaxRedirects),
	}
}

// Fetch retrieves raw and extracts its metadata. Every failure is returned as *PreviewError.
func (f *PreviewFetcher) Fetch(ctx context.Context, raw string) (*Preview, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	fail := func(err error) (*Preview, error) {
		return nil, &PreviewError{URL: raw, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return fail(err)
	}
	if err := f.guard.checkHost(req.URL.Hostname()); err != nil {
		return fail(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
		return fail(ErrNotHTML)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("parse html: %w", err))
	}

	return extractPreview(doc, resp.Request.URL), nil
}

type pageMeta struct {
	title string
	icon  string
	meta  map[string]string
}

func extractPreview(doc *html.Node, base *url.URL) *Preview {
	pm := pageMeta{meta: make(map[string]string)}
	collectMeta(doc, &pm)

	return &Preview{
		Title:       firstNonEmpty(pm.title, pm.meta["og:title"], pm.meta["twitter:title"]),
		Description: firstNonEmpty(pm.meta["description"], pm.meta["og:description"], pm.meta["twitter:description"]),
		Image:       resolveRef(base, firstNonEmpty(pm.meta["og:image"], pm.meta["twitter:image"], pm.meta["twitter:image:src"])),
		SiteName:    firstNonEmpty(pm.meta["og:site_name"], base.Hostname()),
		Favicon:     resolveRef(base, firstNonEmpty(pm.icon, "/favicon.ico")),
	}
}

func collectMeta(n *html.Node, pm *pageMeta) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if pm.title == "" && n.FirstChild != nil {
				pm.title = strings.TrimSpace(n.FirstChild.Data)
			}
		case atom.Meta:
			key := strings.ToLower(firstNonEmpty(attr(n, "property"), attr(n, "name")))
			content := strings.TrimSpace(attr(n, "content"))
			if key != "" && content != "" {
				if _, seen := pm.meta[key]; !seen {
					pm.meta[key] = content
				}
			}
		case atom.Link:
			if pm.icon == "" && hasRelIcon(attr(n, "rel")) {
				pm.icon = strings.TrimSpace(attr(n, "href"))
			}
		case atom.Body:
			// metadata lives in <head>
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMeta(c, pm)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func hasRelIcon(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "icon" {
			return true
		}
	}
	return false
}

func resolveRef(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
