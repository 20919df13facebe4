// Package ptz drives a remote pan-tilt-zoom camera with start/stop commands
// and a repeat-while-held loop.
package ptz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

const (
	DefaultRepeatInterval = 100 * time.Millisecond
	DefaultDeadzone       = 4.0
)

var (
	ErrDisabled    = errors.New("device control disabled until the session is connected")
	ErrNotHoldable = errors.New("command has no paired stop")
)

type Options struct {
	RepeatInterval time.Duration
	// Deadzone is the minimum drag delta length that produces a pulse.
	Deadzone float64
	Limiter  *RateLimiter
	Events   *events.Bus
	// CommandTimeout bounds each request when the caller's context has no deadline.
	CommandTimeout time.Duration
}

// hold is one active press-and-hold with its repeat goroutine.
type hold struct {
	cmd    domain.Command
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher sends discrete commands and owns the held-command state.
// Device failures are reported, never propagated into session state.
type Dispatcher struct {
	client core.DeviceClient
	opts   Options

	// seq orders hold sequences so a stop always precedes the next start.
	// Requests are sent with seq held, never with mu.
	seq sync.Mutex

	mu      sync.Mutex
	enabled bool
	active  *hold
	// stopping is closed once the stop handed off by SetEnabled is sent.
	stopping chan struct{}
}

func NewDispatcher(client core.DeviceClient, opts Options) *Dispatcher {
	if opts.RepeatInterval <= 0 {
		opts.RepeatInterval = DefaultRepeatInterval
	}
	if opts.Deadzone <= 0 {
		opts.Deadzone = DefaultDeadzone
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	return &Dispatcher{client: client, opts: opts}
}

// SetEnabled gates the dispatcher on session connectivity. Disabling stops
// an active hold so the actuator never keeps moving. The stop request runs
// in the background; the next hold waits for it.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled == enabled {
		return
	}
	d.enabled = enabled
	log.Info().Str("module", "ptz").Bool("enabled", enabled).Msg("device control gate")
	if enabled {
		return
	}
	h := d.detachLocked()
	if h == nil {
		return
	}
	prev, fin := d.stopping, make(chan struct{})
	d.stopping = fin
	go func() {
		defer close(fin)
		if prev != nil {
			<-prev
		}
		d.finish(h)
	}()
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Active returns the held command, if any.
func (d *Dispatcher) Active() (domain.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return "", false
	}
	return d.active.cmd, true
}

// Issue sends one command. A failure is logged and published as an advisory
// DeviceUnreachable error and returned for callers that want it.
func (d *Dispatcher) Issue(ctx context.Context, cmd domain.Command) error {
	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	return d.send(ctx, cmd)
}

func (d *Dispatcher) send(ctx context.Context, cmd domain.Command) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.CommandTimeout)
		defer cancel()
	}
	err := d.client.Send(ctx, cmd)
	if err == nil {
		log.Debug().Str("module", "ptz").Str("command", string(cmd)).Msg("command sent")
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Debug().Str("module", "ptz").Str("command", string(cmd)).Msg("command canceled")
		return err
	}
	if !errors.Is(err, core.ErrDeviceUnreachable) {
		err = core.NewError(core.KindDeviceUnreachable, string(cmd), err)
	}
	log.Warn().Err(err).Str("module", "ptz").Str("command", string(cmd)).Msg("command failed")
	d.opts.Events.Publish(events.Failure(err, true))
	return err
}

// StartHold stops any previous hold, issues cmd once and keeps re-issuing it
// every RepeatInterval until StopHold.
func (d *Dispatcher) StartHold(cmd domain.Command) error {
	if !cmd.IsStart() {
		return fmt.Errorf("%w: %s", ErrNotHoldable, cmd)
	}
	d.seq.Lock()
	defer d.seq.Unlock()

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	prev := d.detachLocked()
	d.mu.Unlock()
	if prev != nil {
		d.finish(prev)
	}
	// Nothing is held now and only seq holders set a hold, so a stop handed
	// off by SetEnabled can only predate this point.
	d.settle()

	ctx, cancel := context.WithCancel(context.Background())
	h := &hold{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		cancel()
		return ErrDisabled
	}
	d.active = h
	d.mu.Unlock()

	log.Info().Str("module", "ptz").Str("command", string(cmd)).Msg("hold started")
	d.opts.Events.Publish(events.Hold(cmd, true))

	// A disable from here on waits on h.done, which closes after this send.
	_ = d.send(ctx, cmd)
	go d.repeat(ctx, h)
	return nil
}

// StopHold cancels the repeat loop and issues the paired stop. Without an
// active hold it does nothing.
func (d *Dispatcher) StopHold() {
	d.seq.Lock()
	defer d.seq.Unlock()
	d.mu.Lock()
	h := d.detachLocked()
	d.mu.Unlock()
	if h != nil {
		d.finish(h)
	}
}

// detachLocked clears the active hold and cancels its repeat loop.
func (d *Dispatcher) detachLocked() *hold {
	h := d.active
	if h == nil {
		return nil
	}
	d.active = nil
	h.cancel()
	return h
}

// finish waits for the repeat goroutine to exit before sending the stop,
// so no start can follow it.
func (d *Dispatcher) finish(h *hold) {
	<-h.done
	stop := h.cmd.Stop()
	_ = d.send(context.Background(), stop)
	log.Info().Str("module", "ptz").Str("command", string(stop)).Msg("hold stopped")
	d.opts.Events.Publish(events.Hold(h.cmd, false))
}

// settle waits for a stop handed off by SetEnabled. The caller holds seq.
func (d *Dispatcher) settle() {
	d.mu.Lock()
	fin := d.stopping
	d.mu.Unlock()
	if fin != nil {
		<-fin
	}
}

func (d *Dispatcher) repeat(ctx context.Context, h *hold) {
	defer close(h.done)
	ticker := time.NewTicker(d.opts.RepeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A cancel between the tick and the send aborts the request.
			_ = d.send(ctx, h.cmd)
		}
	}
}

// Drag turns a pointer delta into a start+stop pulse while a hold is active.
// The hold timer stays authoritative: pulses never touch the held command,
// and a pulse in the held direction is skipped.
func (d *Dispatcher) Drag(ctx context.Context, dx, dy float64) (domain.Command, bool) {
	d.mu.Lock()
	if !d.enabled || d.active == nil {
		d.mu.Unlock()
		return "", false
	}
	held := d.active.cmd
	d.mu.Unlock()

	cmd, ok := domain.Direction(dx, dy, d.opts.Deadzone)
	if !ok || cmd == held {
		return "", false
	}
	if !d.opts.Limiter.Allow() {
		log.Debug().Str("module", "ptz").Str("command", string(cmd)).Msg("drag pulse rate limited")
		return "", false
	}
	// The start may have reached the camera even when it failed, so the
	// stop always follows, outside the caller's cancellation.
	_ = d.send(ctx, cmd)
	_ = d.send(context.WithoutCancel(ctx), cmd.Stop())
	return cmd, true
}

// Home sends the one-shot go_home command, stopping any hold first.
func (d *Dispatcher) Home(ctx context.Context) error {
	d.seq.Lock()
	defer d.seq.Unlock()
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	h := d.detachLocked()
	d.mu.Unlock()
	if h != nil {
		d.finish(h)
	}
	d.settle()
	return d.send(ctx, domain.CmdGoHome)
}
