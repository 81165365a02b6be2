// Package scaletozero coordinates suppression of an external idle-eviction policy
// while work that must not be interrupted (an FFmpeg child, an in-flight request) is
// in progress.
package scaletozero

import (
	"context"
	"os"
	"sync"
)

// Controller disables and re-enables the host's scale-to-zero eviction policy.
// Implementations must tolerate being called from multiple goroutines.
type Controller interface {
	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
}

// NewNoopController returns a Controller that does nothing. Used where no external
// scale-to-zero policy is configured (e.g. local development, tests).
func NewNoopController() Controller {
	return noopController{}
}

type noopController struct{}

func (noopController) Disable(ctx context.Context) error { return nil }
func (noopController) Enable(ctx context.Context) error  { return nil }

// unikraftCloudController signals the host's scale-to-zero supervisor by writing a
// single byte to a well-known sentinel file: "+" while eviction must be suppressed,
// "-" once it is safe again. A missing sentinel file means no supervisor is watching
// this host, so both calls are no-ops rather than errors.
type unikraftCloudController struct {
	path string
}

// NewUnikraftCloudController returns a Controller backed by the scale-to-zero
// sentinel file conventionally watched by the host's eviction supervisor.
func NewUnikraftCloudController() Controller {
	return &unikraftCloudController{path: "/run/scale_to_zero_disable"}
}

func (c *unikraftCloudController) Disable(ctx context.Context) error {
	return c.write("+")
}

func (c *unikraftCloudController) Enable(ctx context.Context) error {
	return c.write("-")
}

func (c *unikraftCloudController) write(b string) error {
	if _, err := os.Stat(c.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(c.path, []byte(b), 0o600)
}

// debouncedController wraps a Controller with reference counting so that nested or
// overlapping callers only trigger one Disable (on the first holder) and one Enable
// (on the last holder) against the underlying controller, coalescing chatty
// disable/enable bursts into a single transition each way.
type debouncedController struct {
	inner Controller

	mu      sync.Mutex
	holders int
}

// NewDebouncedController wraps inner so that concurrent Disable/Enable callers share
// a single underlying suppression window instead of thrashing it.
func NewDebouncedController(inner Controller) Controller {
	return &debouncedController{inner: inner}
}

func (d *debouncedController) Disable(ctx context.Context) error {
	d.mu.Lock()
	d.holders++
	first := d.holders == 1
	d.mu.Unlock()

	if !first {
		return nil
	}

	if err := d.inner.Disable(ctx); err != nil {
		d.mu.Lock()
		d.holders--
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *debouncedController) Enable(ctx context.Context) error {
	d.mu.Lock()
	d.holders--
	last := d.holders == 0
	d.mu.Unlock()

	if !last {
		return nil
	}

	if err := d.inner.Enable(ctx); err != nil {
		d.mu.Lock()
		d.holders++
		d.mu.Unlock()
		return err
	}
	return nil
}

// Oncer wraps a Controller with an idempotent one-shot guard: within a single
// disable/enable cycle (e.g. one FFmpeg child's lifetime), Disable takes effect at
// most once and Enable takes effect at most once, regardless of which code path
// reaches them first (an explicit Stop racing a child-exit watcher, for instance).
type Oncer struct {
	ctrl Controller

	mu       sync.Mutex
	disabled bool
}

// NewOncer wraps ctrl with one-shot disable/enable semantics.
func NewOncer(ctrl Controller) *Oncer {
	return &Oncer{ctrl: ctrl}
}

// Disable calls the underlying Controller's Disable exactly once per Enable call
// that follows it; subsequent calls before the matching Enable are no-ops.
func (o *Oncer) Disable(ctx context.Context) error {
	o.mu.Lock()
	if o.disabled {
		o.mu.Unlock()
		return nil
	}
	o.disabled = true
	o.mu.Unlock()

	if err := o.ctrl.Disable(ctx); err != nil {
		o.mu.Lock()
		o.disabled = false
		o.mu.Unlock()
		return err
	}
	return nil
}

// Enable calls the underlying Controller's Enable at most once per preceding
// Disable; a second caller (e.g. the stop path racing the exit watcher) is a no-op.
func (o *Oncer) Enable(ctx context.Context) error {
	o.mu.Lock()
	if !o.disabled {
		o.mu.Unlock()
		return nil
	}
	o.disabled = false
	o.mu.Unlock()

	if err := o.ctrl.Enable(ctx); err != nil {
		o.mu.Lock()
		o.disabled = true
		o.mu.Unlock()
		return err
	}
	return nil
}
