// Package limiter bounds concurrent outbound requests, globally and per host.
package limiter

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter defines the interface for admission of outbound requests
type Limiter interface {
	// Acquire blocks until a slot is free for host or ctx is done. The
	// returned release func must be called exactly once.
	Acquire(ctx context.Context, host string) (release func(), err error)
}

// HostLimiter caps in-flight requests with one global semaphore plus one
// semaphore per host
type HostLimiter struct {
	global  *semaphore.Weighted
	perHost int64

	mu       sync.Mutex
	hosts    map[string]*semaphore.Weighted
	inFlight map[string]int64
}

// New creates a HostLimiter with maxTotal global slots and maxPerHost slots
// for any single host
func New(maxTotal, maxPerHost int) *HostLimiter {
	if maxTotal <= 0 {
		maxTotal = 1
	}
	if maxPerHost <= 0 || maxPerHost > maxTotal {
		maxPerHost = maxTotal
	}
	return &HostLimiter{
		global:   semaphore.NewWeighted(int64(maxTotal)),
		perHost:  int64(maxPerHost),
		hosts:    make(map[string]*semaphore.Weighted),
		inFlight: make(map[string]int64),
	}
}

// Acquire takes the host slot first, then the global one
func (l *HostLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	host = strings.ToLower(host)
	hs := l.hostSemaphore(host)

	if err := hs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		hs.Release(1)
		return nil, err
	}

	l.adjust(host, 1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.adjust(host, -1)
			l.global.Release(1)
			hs.Release(1)
		})
	}, nil
}

func (l *HostLimiter) hostSemaphore(host string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.hosts[host]
	if !ok {
		s = semaphore.NewWeighted(l.perHost)
		l.hosts[host] = s
	}
	return s
}

func (l *HostLimiter) adjust(host string, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[host] += delta
	if l.inFlight[host] <= 0 {
		delete(l.inFlight, host)
	}
}

// Snapshot returns the number of in-flight requests per host
func (l *HostLimiter) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.inFlight))
	for host, n := range l.inFlight {
		out[host] = n
	}
	return out
}

// HostOf extracts the host part of rawURL, or "" if it cannot be parsed
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
