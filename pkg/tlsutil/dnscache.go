package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const dnsRefreshInterval = 5 * time.Minute

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

// cachedResolver returns the shared caching resolver, starting its refresh
// loop on first use. A batch run hits the same platform endpoint once per
// host workflow, so one cache entry saves a lookup per request.
func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(dnsRefreshInterval)
			defer ticker.Stop()

			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return resolver
}

// DialContextWithCache dials address, resolving the host through the shared
// DNS cache. IP literals pass through the resolver unchanged.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
