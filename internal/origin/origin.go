// Package origin validates browser Origin headers for WebSocket upgrades.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Check reports whether originHeader may open a signaling connection against
// requestHost.
//
// When allowedOrigins is non-empty, each entry must be "*" or a normalized
// origin (scheme://host[:port], default ports elided). Otherwise the policy
// is same-host: the Origin's host[:port] must match the request Host header.
// Scheme is not compared against the request; the relay may sit behind a
// TLS-terminating proxy and see plain HTTP.
func Check(originHeader, requestHost string, allowedOrigins []string) bool {
	normalized, originHost, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	if normalized == "null" {
		return false
	}
	scheme := "http"
	if strings.HasPrefix(normalized, "https://") {
		scheme = "https"
	}
	reqHost, ok := normalizeHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalize validates an Origin header and returns the canonical
// scheme://host[:port] form plus the host[:port] part. The special value
// "null" is passed through (it can only match an explicit allowlist entry).
func normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHostPort lowercases the hostname, validates any port, and drops
// the port when it is the scheme default.
func normalizeHostPort(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(rawHost)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]; IPv6 literals are returned
// without brackets.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}
	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
