// Package monitor implements the two watchdog programs run as
// "campaign watchdog <name>": the Peltier regulator guard and the
// thermistor logger. Each reports its verdict through its exit code.
package monitor

import (
	"bufio"
	"context"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
)

// LinkOpener opens the serial link to the Peltier controller.
type LinkOpener func() (io.ReadWriteCloser, error)

// Peltier guards the Arduino-driven Peltier regulator. The controller
// prints "a b set meas" lines; the guard re-asserts the target set-point
// when it drifts and gives up when the measured temperature stays away
// from the set-point.
type Peltier struct {
	cfg   model.WatchdogConfig
	open  LinkOpener
	log   *logging.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPeltier(cfg model.WatchdogConfig, open LinkOpener, log *logging.Logger) *Peltier {
	return &Peltier{cfg: cfg, open: open, log: log.With("peltier"), sleep: sleepCtx}
}

// Run loops until ctx is done or the guard gives up, and returns the
// process exit code.
func (p *Peltier) Run(ctx context.Context) int {
	p.log.Infof("starting peltier control target=%g", p.cfg.Target)
	link, r, ok := p.reconnect(ctx, nil)
	if !ok {
		return model.ExitUnreachable
	}
	defer func() {
		if link != nil {
			link.Close()
		}
	}()

	violations := 0
	for ctx.Err() == nil {
		line, err := r.ReadString('\n')
		if err != nil {
			p.log.Warnf("cannot read from arduino (%v), reestablishing communication", err)
			link, r, ok = p.reconnect(ctx, link)
			if !ok {
				if ctx.Err() != nil {
					return 0
				}
				p.log.Errorf("could not reestablish communication, exiting (code %d)", model.ExitUnreachable)
				return model.ExitUnreachable
			}
			continue
		}
		line = strings.TrimSpace(line)
		set, meas, ok := parsePeltierLine(line)
		if !ok {
			p.log.Infof("%s", line)
			continue
		}
		p.log.Infof("setTemp %g, measuredTemp %g", set, meas)

		if math.Abs(set-p.cfg.Target) > 0.01 {
			p.log.Warnf("temperature was set to %g, resetting it to %g", set, p.cfg.Target)
			if _, err := io.WriteString(link, strconv.FormatFloat(p.cfg.Target, 'g', -1, 64)); err != nil {
				p.log.Errorf("write set-point: %v", err)
			}
		}
		if math.Abs(meas-set) > p.cfg.Tolerance {
			violations++
			p.log.Errorf("large temperature difference: set %g, measured %g (%d in a row)", set, meas, violations)
		} else {
			violations = 0
		}
		if violations >= p.cfg.MaxViolations {
			p.log.Errorf("large temperature difference %d times in a row, exiting (code %d)", violations, model.ExitOutOfBounds)
			return model.ExitOutOfBounds
		}
		if err := p.sleep(ctx, seconds(p.cfg.IntervalSec)); err != nil {
			break
		}
	}
	return 0
}

// reconnect closes old, if any, and tries to reopen the link up to
// MaxReconnects times.
func (p *Peltier) reconnect(ctx context.Context, old io.Closer) (io.ReadWriteCloser, *bufio.Reader, bool) {
	attempts := p.cfg.MaxReconnects
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if old != nil {
			_ = old.Close()
			old = nil
			if err := p.sleep(ctx, time.Second); err != nil {
				return nil, nil, false
			}
		}
		link, err := p.open()
		if err == nil {
			p.log.Infof("arduino link open on attempt %d", i+1)
			return link, bufio.NewReader(link), true
		}
		p.log.Warnf("cannot open arduino link (%v), retrying", err)
		if err := p.sleep(ctx, time.Second); err != nil {
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// parsePeltierLine accepts exactly four space separated numbers and
// returns the last two.
func parsePeltierLine(line string) (set, meas float64, ok bool) {
	fields := strings.Split(line, " ")
	if len(fields) != 4 {
		return 0, 0, false
	}
	vals := make([]float64, 4)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, 0, false
		}
		vals[i] = v
	}
	return vals[2], vals[3], true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
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
