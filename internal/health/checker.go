// Package health actively probes endpoints and reports transitions between
// healthy and unhealthy.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/apigw/internal/config"
)

// Status is the health of a target.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is the last check of a target.
type Result struct {
	Status    Status
	Latency   time.Duration
	Error     error
	Timestamp time.Time
}

// Settings are the probing parameters of a group, defaults applied.
type Settings struct {
	Path           string
	Method         string
	Interval       time.Duration
	Timeout        time.Duration
	HealthyAfter   int
	UnhealthyAfter int
	Expected       []StatusRange
}

// NewSettings validates cfg and fills in defaults.
func NewSettings(cfg config.HealthCheckConfig) (Settings, error) {
	s := Settings{
		Path:           cfg.Path,
		Method:         cfg.Method,
		Interval:       cfg.Interval,
		Timeout:        cfg.Timeout,
		HealthyAfter:   cfg.HealthyAfter,
		UnhealthyAfter: cfg.UnhealthyAfter,
	}
	if s.Path == "" {
		s.Path = "/health"
	}
	if s.Method == "" {
		s.Method = http.MethodGet
	}
	if s.Interval <= 0 {
		s.Interval = 10 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.HealthyAfter <= 0 {
		s.HealthyAfter = 2
	}
	if s.UnhealthyAfter <= 0 {
		s.UnhealthyAfter = 3
	}
	for _, raw := range cfg.ExpectedStatus {
		r, err := ParseStatusRange(raw)
		if err != nil {
			return Settings{}, err
		}
		s.Expected = append(s.Expected, r)
	}
	if len(s.Expected) == 0 {
		s.Expected = []StatusRange{{200, 399}}
	}
	return s, nil
}

type target struct {
	probe  Probe
	cancel context.CancelFunc
	result Result
	pass   int
	fail   int
}

// Checker probes named targets on an interval. A target turns unhealthy after
// UnhealthyAfter consecutive failures and healthy again after HealthyAfter
// consecutive successes.
type Checker struct {
	settings Settings
	onChange func(name string, status Status)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	targets map[string]*target
}

// NewChecker creates a checker. onChange runs on the probing goroutine of the
// target whose status changed.
func NewChecker(s Settings, onChange func(name string, status Status)) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		settings: s,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		targets:  make(map[string]*target),
	}
}

// Settings returns the probing parameters.
func (c *Checker) Settings() Settings { return c.settings }

// Add starts probing p under name, replacing any previous probe.
func (c *Checker) Add(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if old, ok := c.targets[name]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t := &target{probe: p, cancel: cancel, result: Result{Status: StatusUnknown}}
	c.targets[name] = t

	c.wg.Add(1)
	go c.loop(ctx, name, t)
}

// Remove stops probing name.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.targets[name]; ok {
		t.cancel()
		delete(c.targets, name)
	}
}

// Status returns the current status of name.
func (c *Checker) Status(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.targets[name]; ok {
		return t.result.Status
	}
	return StatusUnknown
}

// Results returns the last check of every target.
func (c *Checker) Results() map[string]Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Result, len(c.targets))
	for name, t := range c.targets {
		out[name] = t.result
	}
	return out
}

// Stop ends every probing loop and waits for them.
func (c *Checker) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Checker) loop(ctx context.Context, name string, t *target) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.settings.Interval)
	defer ticker.Stop()
	for {
		c.check(ctx, name, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) check(ctx context.Context, name string, t *target) {
	checkCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	start := time.Now()
	err := t.probe.Check(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.targets[name] != t {
		c.mu.Unlock()
		return
	}
	old := t.result.Status
	t.result.Latency = time.Since(start)
	t.result.Error = err
	t.result.Timestamp = time.Now()
	if err == nil {
		t.fail = 0
		t.pass++
		if t.pass >= c.settings.HealthyAfter {
			t.result.Status = StatusHealthy
		}
	} else {
		t.pass = 0
		t.fail++
		if t.fail >= c.settings.UnhealthyAfter {
			t.result.Status = StatusUnhealthy
		}
	}
	status := t.result.Status
	c.mu.Unlock()

	if status != old && c.onChange != nil {
		c.onChange(name, status)
	}
}
