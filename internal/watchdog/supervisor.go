// Package watchdog supervises the environmental watchdog processes that
// gate every campaign task.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
)

// Watchdog names.
const (
	Temperature = "temperature"
	Thermistor  = "thermistor"
)

// ErrFatalUnrecoverable means a watchdog could not be brought back to
// health within its escalation budget. The campaign must shut down.
var ErrFatalUnrecoverable = errors.New("watchdog fatal unrecoverable")

// Spawner starts the named watchdog.
type Spawner func(name string) (Handle, error)

// DevicePower is the device supply switched off on out-of-bounds episodes.
type DevicePower interface {
	PowerOff(ctx context.Context) error
	PowerOn(ctx context.Context) error
}

// EventRecorder receives respawn and escalation rows for the run log.
type EventRecorder interface {
	Event(event string, details ...string) error
}

// Observer is notified of every health determination.
type Observer interface {
	WatchdogHealth(name string, h model.Health)
	WatchdogRespawn(name string)
}

// Limits bounds the escalation counters and waits.
type Limits struct {
	MaxUnreachable      int
	MaxOutOfBounds      int
	UnreachableWait     time.Duration
	OutOfBoundsCooldown time.Duration
}

func LimitsFromConfig(cfg model.WatchdogsConfig) Limits {
	return Limits{
		MaxUnreachable:      cfg.MaxUnreachable,
		MaxOutOfBounds:      cfg.MaxOutOfBounds,
		UnreachableWait:     time.Duration(cfg.UnreachableWaitSec) * time.Second,
		OutOfBoundsCooldown: time.Duration(cfg.OutOfBoundsCooldownSec) * time.Second,
	}
}

type counters struct {
	unreachable int
	outOfBounds int
}

type Options struct {
	Names    []string
	Spawn    Spawner
	Limits   Limits
	Power    DevicePower
	Events   EventRecorder
	Observer Observer
	// OnPower is called after the supervisor switches device power.
	OnPower func(on bool)
	Log     *logging.Logger
}

// Supervisor owns the watchdog handles and their respawn policy. It is used
// from the campaign goroutine only.
type Supervisor struct {
	names    []string
	spawn    Spawner
	limits   Limits
	power    DevicePower
	events   EventRecorder
	observer Observer
	onPower  func(on bool)
	log      *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	handles    map[string]Handle
	counters   map[string]*counters
	poweredOff bool
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		names:    opts.Names,
		spawn:    opts.Spawn,
		limits:   opts.Limits,
		power:    opts.Power,
		events:   opts.Events,
		observer: opts.Observer,
		onPower:  opts.OnPower,
		log:      opts.Log.With("watchdog"),
		sleep:    sleepCtx,
		handles:  make(map[string]Handle),
		counters: make(map[string]*counters),
	}
	for _, name := range s.names {
		s.counters[name] = &counters{}
	}
	return s
}

// Start spawns every watchdog.
func (s *Supervisor) Start() error {
	for _, name := range s.names {
		if err := s.respawn(name); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

// Gate blocks until every watchdog polls Healthy. It returns
// ErrFatalUnrecoverable once a counter exceeds its bound, or the context
// error when cancelled.
func (s *Supervisor) Gate(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		healthy := true
		for _, name := range s.names {
			h := s.poll(name)
			if s.observer != nil {
				s.observer.WatchdogHealth(name, h)
			}
			c := s.counters[name]
			switch h {
			case model.HealthHealthy:
				c.unreachable, c.outOfBounds = 0, 0
				continue
			case model.HealthOutOfBounds:
				healthy = false
				c.outOfBounds++
				s.log.Warnf("watchdog=%s out of bounds count=%d", name, c.outOfBounds)
				s.record(name, h.String(), fmt.Sprint(c.outOfBounds))
				if c.outOfBounds > s.limits.MaxOutOfBounds {
					return s.fatal(name, h, c.outOfBounds)
				}
				s.powerOff(ctx)
				if err := s.respawn(name); err != nil {
					s.log.Errorf("respawn %s: %v", name, err)
				}
				if err := s.sleep(ctx, s.limits.OutOfBoundsCooldown); err != nil {
					return err
				}
			default:
				healthy = false
				c.unreachable++
				s.log.Warnf("watchdog=%s unreachable count=%d", name, c.unreachable)
				s.record(name, model.HealthUnreachable.String(), fmt.Sprint(c.unreachable))
				if c.unreachable > s.limits.MaxUnreachable {
					return s.fatal(name, model.HealthUnreachable, c.unreachable)
				}
				if err := s.sleep(ctx, s.limits.UnreachableWait); err != nil {
					return err
				}
				if err := s.respawn(name); err != nil {
					s.log.Errorf("respawn %s: %v", name, err)
				}
			}
		}
		if healthy {
			s.powerOn(ctx)
			return nil
		}
	}
}

func (s *Supervisor) poll(name string) model.Health {
	h, ok := s.handles[name]
	if !ok {
		return model.HealthUnreachable
	}
	return h.Poll()
}

func (s *Supervisor) fatal(name string, h model.Health, count int) error {
	s.log.Errorf("watchdog=%s %s %d times, giving up", name, h, count)
	s.record(name, model.HealthFatal.String())
	if s.observer != nil {
		s.observer.WatchdogHealth(name, model.HealthFatal)
	}
	return fmt.Errorf("%w: %s %s %d times", ErrFatalUnrecoverable, name, h, count)
}

func (s *Supervisor) powerOff(ctx context.Context) {
	if s.power == nil {
		return
	}
	if err := s.power.PowerOff(ctx); err != nil {
		s.log.Errorf("device power off: %v", err)
		return
	}
	s.poweredOff = true
	s.record("device", "power_off")
	if s.onPower != nil {
		s.onPower(false)
	}
}

// powerOn restores device power if an out-of-bounds episode cut it.
func (s *Supervisor) powerOn(ctx context.Context) {
	if !s.poweredOff || s.power == nil {
		return
	}
	if err := s.power.PowerOn(ctx); err != nil {
		s.log.Errorf("device power on: %v", err)
		return
	}
	s.poweredOff = false
	s.record("device", "power_on")
	if s.onPower != nil {
		s.onPower(true)
	}
}

// PoweredOff reports whether the supervisor is holding the device off.
func (s *Supervisor) PoweredOff() bool { return s.poweredOff }

func (s *Supervisor) respawn(name string) error {
	if old, ok := s.handles[name]; ok {
		if err := old.Terminate(); err != nil {
			s.log.Warnf("terminate %s: %v", name, err)
		}
		delete(s.handles, name)
	}
	h, err := s.spawn(name)
	if err != nil {
		return fmt.Errorf("spawn watchdog %s: %w", name, err)
	}
	s.handles[name] = h
	s.log.Infof("watchdog=%s started pid=%d", name, h.PID())
	s.record(name, "spawn", fmt.Sprint(h.PID()))
	if s.observer != nil {
		s.observer.WatchdogRespawn(name)
	}
	return nil
}

// Pause suspends the named watchdog. Unknown names are ignored.
func (s *Supervisor) Pause(name string) error {
	h, ok := s.handles[name]
	if !ok {
		return nil
	}
	s.log.Debugf("watchdog=%s pause", name)
	return h.Pause()
}

func (s *Supervisor) Resume(name string) error {
	h, ok := s.handles[name]
	if !ok {
		return nil
	}
	s.log.Debugf("watchdog=%s resume", name)
	return h.Resume()
}

// Restart terminates and respawns the named watchdog if it is supervised.
func (s *Supervisor) Restart(name string) error {
	if _, ok := s.handles[name]; !ok {
		return nil
	}
	return s.respawn(name)
}

// Stop terminates every watchdog.
func (s *Supervisor) Stop() error {
	var errs []error
	for _, name := range s.names {
		h, ok := s.handles[name]
		if !ok {
			continue
		}
		if err := h.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(s.handles, name)
	}
	return errors.Join(errs...)
}

// Health returns the last poll of every supervised watchdog.
func (s *Supervisor) Health() map[string]string {
	out := make(map[string]string, len(s.names))
	for _, name := range s.names {
		out[name] = s.poll(name).String()
	}
	return out
}

func (s *Supervisor) record(name string, details ...string) {
	if s.events == nil {
		return
	}
	if err := s.events.Event("watchdog", append([]string{name}, details...)...); err != nil {
		s.log.Errorf("run log: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
