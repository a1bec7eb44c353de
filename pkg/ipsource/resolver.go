package ipsource

import (
	"net"
	"net/http"
	"strings"
)

// Source extracts a candidate client address from a request. An empty return
// means the source has nothing to offer and the next one is consulted.
type Source func(r *http.Request) string

// Header returns a Source reading the named request header verbatim.
func Header(name string) Source {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// ForwardedHeader returns a Source reading the named header and keeping only
// the first (client-most) hop of a comma separated proxy chain.
func ForwardedHeader(name string) Source {
	return func(r *http.Request) string {
		value := r.Header.Get(name)
		if value == "" {
			return ""
		}
		first, _, _ := strings.Cut(value, ",")
		return strings.TrimSpace(first)
	}
}

// RemoteAddr extracts the direct connection address, stripping the port.
func RemoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// Resolver resolves the client IP for evidence capture by walking an ordered
// list of sources; the first non-empty answer wins. Which headers are trusted
// depends on the proxy topology in front of the deployment, so the chain is
// configuration, not a constant.
type Resolver struct {
	sources []Source
}

// New builds a Resolver from the given ordered sources. With no sources the
// default chain is used: shared-connection client header, forwarded-for
// header, then the direct connection address.
func New(sources ...Source) *Resolver {
	if len(sources) == 0 {
		sources = DefaultChain()
	}
	return &Resolver{sources: sources}
}

// FromHeaderNames builds a Resolver trusting the named headers in order,
// always falling back to the connection address.
func FromHeaderNames(names []string) *Resolver {
	if len(names) == 0 {
		return New()
	}
	sources := make([]Source, 0, len(names)+1)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "X-Forwarded-For") {
			sources = append(sources, ForwardedHeader(name))
			continue
		}
		sources = append(sources, Header(name))
	}
	sources = append(sources, RemoteAddr)
	return New(sources...)
}

// DefaultChain mirrors the conventional trust order for shared connections
// and forwarding proxies.
func DefaultChain() []Source {
	return []Source{
		Header("Client-IP"),
		ForwardedHeader("X-Forwarded-For"),
		RemoteAddr,
	}
}

// Resolve walks the source chain and returns the first non-empty address.
func (r *Resolver) Resolve(req *http.Request) string {
	if req == nil {
		return ""
	}
	for _, source := range r.sources {
		if ip := source(req); ip != "" {
			return ip
		}
	}
	return ""
}
