package rabbitmq

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// pool keeps idle sessions for synchronous connections. A single reaper
// closes sessions that stayed idle longer than idleTimeout.
type pool struct {
	mu          sync.Mutex
	url         string
	idle        []*session
	idleTimeout time.Duration
	now         func() time.Time
	logger      watermill.LoggerAdapter
	stop        chan struct{}
	wg          sync.WaitGroup
	closed      bool
}

func newPool(url string, idleTimeout time.Duration, logger watermill.LoggerAdapter) *pool {
	p := &pool{
		url:         url,
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

func (p *pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *pool) reap() {
	p.mu.Lock()
	cutoff := p.now().Add(-p.idleTimeout)
	var keep, expired []*session
	for _, s := range p.idle {
		if s.lastUsed.Before(cutoff) || s.broken() {
			expired = append(expired, s)
		} else {
			keep = append(keep, s)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, s := range expired {
		s.close()
	}
	if len(expired) > 0 {
		p.logger.Debug("Closed idle broker connections", watermill.LogFields{"count": len(expired)})
	}
}

func (p *pool) get() (*session, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if s.broken() {
			s.close()
			continue
		}
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()
	return openSession(p.url)
}

func (p *pool) put(s *session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if p.closed || s.broken() {
		p.mu.Unlock()
		s.close()
		return
	}
	s.lastUsed = p.now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *pool) discard(s *session) {
	if s != nil {
		s.close()
	}
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, s := range idle {
		s.close()
	}
}
