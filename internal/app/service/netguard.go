package service

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

const internalAddressReason = "private, loopback or link-local addresses are not allowed"

// blockedHostError reports a request aimed at an internal host.
type blockedHostError struct {
	reason string
}

func (e *blockedHostError) Error() string {
	return e.reason
}

func isInternalIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}

// hostGuard keeps outbound requests away from internal networks. A nil block
// func allows every address.
type hostGuard struct {
	block func(net.IP) bool
}

func newHostGuard(allowPrivate bool) *hostGuard {
	if allowPrivate {
		return &hostGuard{}
	}
	return &hostGuard{block: isInternalIP}
}

// checkHost rejects literal internal addresses and local hostnames.
func (g *hostGuard) checkHost(host string) error {
	if g.block == nil {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if g.block(ip) {
			return &blockedHostError{reason: internalAddressReason}
		}
		return nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return &blockedHostError{reason: "local hostnames are not allowed"}
	}
	if !strings.Contains(lower, ".") {
		return &blockedHostError{reason: "host must be a fully qualified domain name"}
	}
	return nil
}

// control runs after DNS resolution, so it sees the address actually dialed.
func (g *hostGuard) control(network, address string, _ syscall.RawConn) error {
	if g.block == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || g.block(ip) {
		return &blockedHostError{reason: fmt.Sprintf("%s resolves to an internal address", address)}
	}
	return nil
}

// client returns an http.Client that refuses internal addresses on every hop
// and stops after maxRedirects redirects.
func (g *hostGuard) client(timeout time.Duration, maxRedirects int) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   g.control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	if g.block != nil {
		// A proxy would be dialed instead of the target.
		transport.Proxy = nil
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if err := g.checkHost(req.URL.Hostname()); err != nil {
				return &blockedHostError{reason: fmt.Sprintf("redirect to %s: %v", req.URL.Host, err)}
			}
			return nil
		},
	}
}
