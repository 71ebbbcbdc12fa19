// Package admission decides whether a target URL may be fetched at all. It
// is the anti-SSRF gate: pure string work on the parsed URL, no I/O, no
// shared state, so it can be unit-tested exhaustively.
package admission

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// MaxURLLength caps the canonical URL's serialized length.
const MaxURLLength = 2048

// Reason identifies why a URL was rejected.
type Reason string

// Rejection reasons. The set is fixed; messages are safe to show callers.
const (
	ReasonMalformed      Reason = "malformed_url"
	ReasonScheme         Reason = "scheme_not_allowed"
	ReasonBlockedHost    Reason = "blocked_host"
	ReasonPrivateAddress Reason = "private_address"
	ReasonPort           Reason = "port_not_allowed"
	ReasonTooLong        Reason = "url_too_long"
)

// Rejection is the typed error returned for every inadmissible URL.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", r.Reason, r.Message)
}

// ReasonMessage returns the caller-safe message for a rejection, or the
// plain error text for anything else.
func ReasonMessage(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Message
	}
	return err.Error()
}

// ReasonOf extracts the rejection reason, or "" for other errors.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// blockedHosts are well-known metadata, loopback and cluster endpoints that
// are denied outright regardless of resolution.
var blockedHosts = map[string]struct{}{
	"localhost":               {},
	"localhost.localdomain":   {},
	"127.0.0.1":               {},
	"0.0.0.0":                 {},
	"::1":                     {},
	"[::1]":                   {},
	"169.254.169.254":         {},
	"metadata.google.internal": {},
	"metadata.google.com":     {},
	"metadata":                {},
	"kubernetes.default.svc":  {},
	"kubernetes.default":      {},
	"kubernetes":              {},
	"instance-data":           {},
	"169.254.170.2":           {},
	"169.254.0.0":             {},
}

// blockedPorts are non-HTTP service ports (SSH, SMTP, DNS, databases,
// caches) denied regardless of hostname.
var blockedPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 53: {}, 110: {}, 143: {}, 445: {},
	3306: {}, 3389: {}, 5432: {}, 5900: {}, 6379: {}, 11211: {}, 27017: {},
}

// devPortAllowlist carves a handful of conventional HTTP ports out of the
// 5000-9999 deny range. The boundary table is policy, not principle; it is
// preserved exactly.
var devPortAllowlist = map[int]struct{}{
	5000: {}, 8000: {}, 8080: {}, 8443: {}, 9000: {},
}

// privateHostPatterns match private, loopback, link-local and unique-local
// textual hostnames for IPv4 and IPv6.
var privateHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2\d|3[01])\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^127\.`),
	regexp.MustCompile(`^0\.`),
	regexp.MustCompile(`^169\.254\.`),
	regexp.MustCompile(`^localhost$`),
	regexp.MustCompile(`^::1$`),
	regexp.MustCompile(`^fc00:`),
	regexp.MustCompile(`^fd00:`),
	regexp.MustCompile(`^fe80:`),
	regexp.MustCompile(`^ff00:`),
}

var dottedQuad = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)

// Validate checks a raw URL against the admission policy and returns the
// canonical (re-serialized) form on success. Callers must fetch the
// canonical URL, never the raw input: canonicalization uses the same parser
// the drivers later resolve with, closing parsing-discrepancy bypasses.
func Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Rejection{Reason: ReasonMalformed, Message: "URL cannot be empty"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &Rejection{Reason: ReasonMalformed, Message: "invalid URL format"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		if scheme == "" {
			return "", &Rejection{Reason: ReasonMalformed, Message: "invalid URL format"}
		}
		return "", &Rejection{
			Reason:  ReasonScheme,
			Message: fmt.Sprintf("scheme %q is not allowed, use http or https", scheme),
		}
	}
	u.Scheme = scheme

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", &Rejection{Reason: ReasonMalformed, Message: "invalid URL format"}
	}

	if _, blocked := blockedHosts[hostname]; blocked {
		return "", &Rejection{Reason: ReasonBlockedHost, Message: "access to this host is not allowed"}
	}

	if reason := checkPrivateHost(hostname); reason != nil {
		return "", reason
	}

	if reason := checkPort(u, scheme); reason != nil {
		return "", reason
	}

	canonical := u.String()
	if len(canonical) > MaxURLLength {
		return "", &Rejection{
			Reason:  ReasonTooLong,
			Message: fmt.Sprintf("URL exceeds maximum length of %d characters", MaxURLLength),
		}
	}
	return canonical, nil
}

func checkPrivateHost(hostname string) *Rejection {
	for _, pattern := range privateHostPatterns {
		if pattern.MatchString(hostname) {
			return &Rejection{Reason: ReasonPrivateAddress, Message: "access to private addresses is not allowed"}
		}
	}

	// Literal dotted quads get each octet range-checked independently of the
	// textual patterns above.
	if m := dottedQuad.FindStringSubmatch(hostname); m != nil {
		octets := make([]int, 4)
		for i, part := range m[1:] {
			n, err := strconv.Atoi(part)
			if err != nil || n > 255 {
				return &Rejection{Reason: ReasonMalformed, Message: "invalid IP address"}
			}
			octets[i] = n
		}
		a, b := octets[0], octets[1]
		switch {
		case a == 10,
			a == 172 && b >= 16 && b <= 31,
			a == 192 && b == 168,
			a == 127,
			a == 0,
			a == 169 && b == 254:
			return &Rejection{Reason: ReasonPrivateAddress, Message: "access to private addresses is not allowed"}
		}
	}

	// Parsed-address backstop for spellings the textual table misses
	// (zero-compressed IPv6, mixed-case hex groups).
	if addr, err := netip.ParseAddr(hostname); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
			return &Rejection{Reason: ReasonPrivateAddress, Message: "access to private addresses is not allowed"}
		}
	}
	return nil
}

func checkPort(u *url.URL, scheme string) *Rejection {
	port := 80
	if scheme == "https" {
		port = 443
	}
	if raw := u.Port(); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return &Rejection{Reason: ReasonPort, Message: "invalid port"}
		}
		port = n
	}

	if _, blocked := blockedPorts[port]; blocked {
		return &Rejection{Reason: ReasonPort, Message: fmt.Sprintf("port %d is not allowed", port)}
	}
	if port >= 5000 && port <= 9999 {
		if _, ok := devPortAllowlist[port]; !ok {
			return &Rejection{Reason: ReasonPort, Message: fmt.Sprintf("port %d is not allowed", port)}
		}
	}
	return nil
}
