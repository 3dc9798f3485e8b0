package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mevdschee/tqdbqueue/metrics"
	"github.com/mevdschee/tqdbqueue/queue"
)

// ErrUnavailable is returned when no backend is healthy
var ErrUnavailable = errors.New("no healthy backend available")

// Handle is a backend that can be health checked and closed
type Handle interface {
	queue.Backend
	Ping(ctx context.Context) error
	Close() error
}

type member struct {
	name    string
	handle  Handle
	healthy bool
}

// Pool manages a primary backend and ordered fallbacks, for example the other
// nodes of a multi-primary cluster. The worker always gets the first healthy
// member.
type Pool struct {
	members []*member
	timeout time.Duration // per health check
	mu      sync.RWMutex
}

// NewPool creates a new pool. All members start healthy.
func NewPool(primary Handle, fallbacks ...Handle) *Pool {
	p := &Pool{
		members: []*member{{name: "primary", handle: primary, healthy: true}},
		timeout: 2 * time.Second,
	}
	for i, f := range fallbacks {
		p.members = append(p.members, &member{
			name:    fmt.Sprintf("fallback%d", i+1),
			handle:  f,
			healthy: true,
		})
	}

	for _, m := range p.members {
		metrics.BackendHealthy.WithLabelValues(m.name).Set(1)
	}
	return p
}

// Backend returns the first healthy member
func (p *Pool) Backend() (queue.Backend, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m.healthy {
			return m.handle, nil
		}
	}
	return nil, ErrUnavailable
}

// Names returns the member names in failover order
func (p *Pool) Names() []string {
	names := make([]string, len(p.members))
	for i, m := range p.members {
		names[i] = m.name
	}
	return names
}

func (p *Pool) find(name string) *member {
	for _, m := range p.members {
		if m.name == name {
			return m
		}
	}
	return nil
}

// MarkUnhealthy marks a member as unhealthy
func (p *Pool) MarkUnhealthy(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m := p.find(name); m != nil && m.healthy {
		m.healthy = false
		metrics.BackendHealthy.WithLabelValues(name).Set(0)
		log.Warnf("[Pool] Marked %s as unhealthy", name)
	}
}

// MarkHealthy marks a member as healthy
func (p *Pool) MarkHealthy(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m := p.find(name); m != nil && !m.healthy {
		m.healthy = true
		metrics.BackendHealthy.WithLabelValues(name).Set(1)
		log.Infof("[Pool] Marked %s as healthy", name)
	}
}

// IsHealthy returns whether a member is healthy
func (p *Pool) IsHealthy(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := p.find(name)
	return m != nil && m.healthy
}

// GetHealthyCount returns the number of healthy members
func (p *Pool) GetHealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, m := range p.members {
		if m.healthy {
			count++
		}
	}
	return count
}

// StartHealthChecks begins periodic health checks for all members
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial health check immediately
	p.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// CheckAll pings every member and updates its health
func (p *Pool) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range p.members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			p.check(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (p *Pool) check(ctx context.Context, m *member) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := m.handle.Ping(ctx); err != nil {
		log.WithError(err).Debugf("[Pool] Health check of %s failed", m.name)
		p.MarkUnhealthy(m.name)
		return
	}
	p.MarkHealthy(m.name)
}

// Close closes every member
func (p *Pool) Close() error {
	var result *multierror.Error
	for _, m := range p.members {
		if err := m.handle.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close %s", m.name))
		}
	}
	return result.ErrorOrNil()
}
