package service

import "strings"

// forbiddenExtensions may not end a custom name; they would shadow static assets.
var forbiddenExtensions = []string{".css", ".js", ".png", ".ico", ".jpg", ".jpeg", ".gif", ".svg"}

// staticExtensions are never looked up as short codes on the redirect route.
var staticExtensions = append([]string{".woff", ".woff2", ".ttf"}, forbiddenExtensions...)

var reservedNames = map[string]bool{
	"favicon.ico": true,
	"favicon.png": true,
	"robots.txt":  true,
	"script.js":   true,
	"style.css":   true,
	"api":         true,
	"health":      true,
	"metrics":     true,
}

func hasForbiddenExtension(code string) bool {
	return hasSuffixAny(code, forbiddenExtensions)
}

// IsReservedPath reports whether a redirect path segment names a static asset
// or a reserved route rather than a short code.
func IsReservedPath(code string) bool {
	lower := strings.ToLower(code)
	return reservedNames[lower] || hasSuffixAny(lower, staticExtensions)
}

func hasSuffixAny(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
