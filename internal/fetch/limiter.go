package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter spaces requests to the same host.
type DomainLimiter struct {
	mu       sync.Mutex
	perHost  map[string]*rate.Limiter
	interval time.Duration
}

// NewDomainLimiter allows perMinute requests per host and minute.
func NewDomainLimiter(perMinute int) *DomainLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &DomainLimiter{perHost: map[string]*rate.Limiter{}, interval: time.Minute / time.Duration(perMinute)}
}

// Wait blocks until a request to host is allowed or ctx ends.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	return d.limiter(host).Wait(ctx)
}

// Allow reports whether a request to host may go out right now.
func (d *DomainLimiter) Allow(host string) bool {
	return d.limiter(host).Allow()
}

func (d *DomainLimiter) limiter(host string) *rate.Limiter {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.perHost[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.interval), 1)
		d.perHost[host] = l
	}
	return l
}
