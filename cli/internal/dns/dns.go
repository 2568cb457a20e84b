// Package dns resolves the relay host, falling back to public resolvers
// when the system resolver is broken or filtered.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicServers are queried concurrently when the system lookup fails.
var publicServers = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
}

const (
	localTimeout  = time.Second
	publicTimeout = 2 * time.Second
)

// HostLookup resolves a host name to its addresses.
type HostLookup func(ctx context.Context, host string) ([]string, error)

// Resolver tries the system resolver first and then races the fallbacks.
type Resolver struct {
	Local    HostLookup
	Fallback []HostLookup
}

// NewResolver returns a Resolver backed by the system and the public servers.
func NewResolver() *Resolver {
	r := &Resolver{Local: (&net.Resolver{}).LookupHost}
	for _, server := range publicServers {
		r.Fallback = append(r.Fallback, viaServer(server))
	}
	return r
}

// Lookup returns one address for host, preferring IPv4. IP literals are returned as is.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if r.Local != nil {
		lctx, cancel := context.WithTimeout(ctx, localTimeout)
		ip, err := pick(r.Local(lctx, host))
		cancel()
		if err == nil {
			return ip, nil
		}
	}
	if len(r.Fallback) == 0 {
		return "", fmt.Errorf("failed to resolve %s", host)
	}
	return r.race(ctx, host)
}

// DialContext resolves the host part of addr with Lookup and dials the result.
// It fits websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, publicTimeout)
	defer cancel()

	results := make(chan result, len(r.Fallback))
	for _, lookup := range r.Fallback {
		go func(lookup HostLookup) {
			ip, err := pick(lookup(ctx, host))
			results <- result{ip: ip, err: err}
		}(lookup)
	}

	failed := 0
	for range r.Fallback {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failed++
		case <-ctx.Done():
			return "", fmt.Errorf("resolving %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("failed to resolve %s: all %d fallback resolvers failed", host, failed)
}

// viaServer forces lookups through one DNS server on port 53.
func viaServer(server string) HostLookup {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
	return r.LookupHost
}

func pick(ips []string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", errors.New("no addresses found")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
