package detection

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// DefaultProxyHeaders are consulted in order when resolving the client.
var DefaultProxyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// Request is the metadata of one inbound unit of work.
type Request struct {
	Source    string
	Method    string
	Path      string
	RawQuery  string
	UserAgent string
}

// NewRequest extracts request metadata, resolving the client identifier
// from headers in priority order.
func NewRequest(r *http.Request, proxyHeaders []string) Request {
	return Request{
		Source:    ClientIP(r, proxyHeaders),
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		UserAgent: r.UserAgent(),
	}
}

// Normalized returns path and query, URL-decoded and lower-cased.
func (r Request) Normalized() string {
	text := r.normalizedPath()
	if r.RawQuery != "" {
		q, err := url.QueryUnescape(r.RawQuery)
		if err != nil {
			q = r.RawQuery
		}
		text += "?" + strings.ToLower(q)
	}
	return text
}

func (r Request) normalizedPath() string {
	p, err := url.PathUnescape(r.Path)
	if err != nil {
		p = r.Path
	}
	return strings.ToLower(p)
}

// ClientIP returns the first non-empty proxy header value (first hop only
// for comma-separated chains), else the connection address without port.
func ClientIP(r *http.Request, proxyHeaders []string) string {
	for _, h := range proxyHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
