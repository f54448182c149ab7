// Package campaign drives base and main task batches, gates every task on
// the environmental watchdogs, keeps the X-ray source healthy and owns the
// decision to shut the setup down.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/croc_campaign/internal/catalog"
	"github.com/msageha/croc_campaign/internal/dispatch"
	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/metrics"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/notify"
	"github.com/msageha/croc_campaign/internal/watchdog"
	yamlutil "github.com/msageha/croc_campaign/internal/yaml"
)

var (
	// ErrFatal wraps the reason of an escalated shutdown.
	ErrFatal = errors.New("campaign fatal")
	// ErrXRayUnrecoverable means the X-ray source failed verification after
	// every allowed power cycle.
	ErrXRayUnrecoverable = errors.New("xray source unrecoverable")

	errStopRequested = errors.New("stop requested")
)

const shutdownTimeout = 30 * time.Second

// Dispatcher executes one task. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.Task) (dispatch.Result, error)
}

// Supervisor gates tasks on watchdog health. Implemented by
// *watchdog.Supervisor.
type Supervisor interface {
	Start() error
	Gate(ctx context.Context) error
	Pause(name string) error
	Resume(name string) error
	Restart(name string) error
	Stop() error
	Health() map[string]string
}

type EventRecorder interface {
	Event(event string, details ...string) error
}

// Batch is one catalog of tasks. Path is watched for edits when set.
type Batch struct {
	Name  string
	Path  string
	Tasks []model.Task
}

type Options struct {
	Name        string
	Def         model.CampaignDef
	Config      model.Config
	CampaignDir string
	Base        Batch
	Main        Batch

	Dispatcher Dispatcher
	Supervisor Supervisor
	Supply     instrument.Supply
	XRay       instrument.XRaySource // required when Def.XRay is set
	Events     EventRecorder
	RunLogPath string
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Watcher    *catalog.Watcher

	Now func() time.Time
	Log *logging.Logger
}

type Campaign struct {
	opts  Options
	log   *logging.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	base Batch
	main Batch

	mu     sync.Mutex
	state  model.CampaignState
	health map[string]string

	stopRequested atomic.Bool
}

func New(opts Options) *Campaign {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Campaign{
		opts:  opts,
		log:   opts.Log.With("campaign"),
		now:   opts.Now,
		sleep: sleepCtx,
		base:  opts.Base,
		main:  opts.Main,
	}
}

// Run executes the campaign until it completes, is stopped, or escalates.
// A fatal escalation returns an error wrapping ErrFatal.
func (c *Campaign) Run(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		return c.fail(err)
	}

	for {
		if err := c.checkStop(ctx); err != nil {
			return c.finish(err)
		}
		if c.opts.Def.XRay {
			if err := c.checkXRay(ctx); err != nil {
				return c.fail(err)
			}
		}

		c.reload(&c.base)
		if err := c.runBatch(ctx, &c.base); err != nil {
			return c.fail(err)
		}
		c.update(func(s *model.CampaignState) { s.BaseIterations++ })

		if len(c.main.Tasks) > 0 || c.main.Path != "" {
			st := c.State()
			if MainDue(st, c.opts.Config.Campaign.MainIntervals, c.now()) {
				c.reload(&c.main)
				if err := c.runBatch(ctx, &c.main); err != nil {
					return c.fail(err)
				}
				at := c.now().Format(time.RFC3339)
				c.update(func(s *model.CampaignState) {
					s.MainRepetitions++
					s.LastMainAt = &at
				})
				c.event("campaign", "main_batch", strconv.Itoa(c.State().MainRepetitions))
			}
		}

		if !c.opts.Def.Repeat {
			return c.finish(nil)
		}
	}
}

func (c *Campaign) start(ctx context.Context) error {
	c.initState()
	st := c.State()
	c.log.Infof("campaign=%s id=%s starting", c.opts.Name, st.CampaignID)
	c.event("campaign", "start", c.opts.Name, st.CampaignID)

	ps := c.opts.Config.Instruments.PowerSupply
	if err := c.opts.Supply.Init(ps.Voltage, ps.Current); err != nil {
		return fmt.Errorf("power supply init: %w", err)
	}
	c.update(func(s *model.CampaignState) { s.DevicePowered = true })

	if err := c.opts.Supervisor.Start(); err != nil {
		return fmt.Errorf("start watchdogs: %w", err)
	}

	if c.opts.Def.XRay {
		if err := c.startXRay(ctx); err != nil {
			// The health check before the first batch power cycles it.
			c.log.Warnf("xray start: %v", err)
		}
	}
	return nil
}

// initState resumes the counters of an unfinished run of the same campaign
// so the main-batch schedule survives a restart.
func (c *Campaign) initState() {
	now := c.now().Format(time.RFC3339)
	st := model.CampaignState{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeCampaignState,
		CampaignID:    uuid.NewString(),
		Campaign:      c.opts.Name,
		StartedAt:     now,
	}
	prev, ok, err := LoadState(c.opts.CampaignDir)
	if err != nil {
		c.log.Warnf("previous state unreadable, starting fresh: %v", err)
	}
	if ok && prev.Campaign == c.opts.Name && prev.Status != model.CampaignStatusCompleted {
		st.CampaignID = prev.CampaignID
		st.StartedAt = prev.StartedAt
		st.LastMainAt = prev.LastMainAt
		st.MainRepetitions = prev.MainRepetitions
		st.BaseIterations = prev.BaseIterations
		c.log.Infof("resuming campaign id=%s main_repetitions=%d", st.CampaignID, st.MainRepetitions)
	}
	st.Status = model.CampaignStatusRunning

	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.persist()
}

// runBatch executes every task of b in order.
func (c *Campaign) runBatch(ctx context.Context, b *Batch) error {
	c.log.Infof("batch=%s tasks=%d", b.Name, len(b.Tasks))
	for _, task := range b.Tasks {
		if err := c.checkStop(ctx); err != nil {
			return err
		}
		if err := c.runTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (c *Campaign) runTask(ctx context.Context, task model.Task) error {
	spacing := time.Duration(c.opts.Config.Campaign.TaskSpacingMs) * time.Millisecond
	if err := c.sleep(ctx, spacing); err != nil {
		return err
	}

	err := c.opts.Supervisor.Gate(ctx)
	c.snapshotHealth()
	if err != nil {
		return err
	}
	c.update(func(s *model.CampaignState) { s.CurrentTask = task.Name })

	if task.EnvironmentSensitive() {
		if err := c.opts.Supervisor.Pause(watchdog.Thermistor); err != nil {
			c.log.Warnf("pause thermistor watchdog: %v", err)
		}
	}
	started := c.now()
	res, err := c.opts.Dispatcher.Dispatch(ctx, task)
	if task.EnvironmentSensitive() {
		if err := c.opts.Supervisor.Resume(watchdog.Thermistor); err != nil {
			c.log.Warnf("resume thermistor watchdog: %v", err)
		}
	}
	if task.Kind() == model.KindCurrentVoltageSweep {
		if err := c.opts.Supervisor.Restart(watchdog.Temperature); err != nil {
			c.log.Warnf("restart temperature watchdog: %v", err)
		}
	}
	c.update(func(s *model.CampaignState) { s.CurrentTask = "" })

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordTask(task.Kind(), err == nil && res.Success, c.now().Sub(started))
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, dispatch.ErrUnknownKind), errors.Is(err, dispatch.ErrConfiguration):
		return err
	default:
		c.log.Errorf("task=%s: %v", task.Name, err)
		c.event("task_error", task.Name, err.Error())
	}

	if err != nil || !res.Success {
		c.log.Warnf("task=%s failed", task.Name)
		if c.opts.Config.Campaign.FatalOnTaskFailure {
			return fmt.Errorf("task %s failed", task.Name)
		}
	}
	return nil
}

// reload swaps in an edited catalog. An invalid edit keeps the previous
// tasks.
func (c *Campaign) reload(b *Batch) {
	if c.opts.Watcher == nil || b.Path == "" || !c.opts.Watcher.Changed(b.Path) {
		return
	}
	tasks, err := catalog.Load(b.Path)
	if err != nil {
		c.log.Errorf("catalog %s changed but is invalid, keeping previous tasks: %v", b.Path, err)
		c.event("catalog", "reload_failed", b.Name)
		return
	}
	b.Tasks = tasks
	c.log.Infof("catalog %s reloaded tasks=%d", b.Name, len(tasks))
	c.event("catalog", "reload", b.Name, strconv.Itoa(len(tasks)))
}

func (c *Campaign) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stopRequested.Load() {
		return errStopRequested
	}
	return nil
}

// RequestStop asks the loop to stop at the next task boundary. It returns
// false if a stop was already requested.
func (c *Campaign) RequestStop() bool {
	return c.stopRequested.CompareAndSwap(false, true)
}

// finish ends a campaign that completed or was stopped.
func (c *Campaign) finish(reason error) error {
	status := model.CampaignStatusCompleted
	if reason != nil {
		status = model.CampaignStatusStopped
	}
	c.log.Infof("campaign=%s %s", c.opts.Name, status)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.powerDown(ctx); err != nil {
		c.log.Errorf("power down: %v", err)
	}
	c.update(func(s *model.CampaignState) { s.Status = status })
	c.event("campaign", string(status))
	return nil
}

// fail runs the escalated shutdown: device and X-ray off, watchdogs
// terminated, operator notified.
func (c *Campaign) fail(reason error) error {
	if errors.Is(reason, context.Canceled) || errors.Is(reason, errStopRequested) {
		return c.finish(reason)
	}
	c.log.Errorf("campaign=%s fatal: %v", c.opts.Name, reason)
	c.event("campaign", "fatal", reason.Error())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.powerDown(ctx); err != nil {
		c.log.Errorf("power down: %v", err)
	}
	msg := reason.Error()
	c.update(func(s *model.CampaignState) {
		s.Status = model.CampaignStatusFatal
		s.FatalReason = &msg
	})
	c.notify(ctx, reason)
	return fmt.Errorf("%w: %w", ErrFatal, reason)
}

func (c *Campaign) notify(ctx context.Context, reason error) {
	if c.opts.Notifier == nil {
		return
	}
	st := c.State()
	msg := notify.Message{
		Title: fmt.Sprintf("Campaign %s stopped: fatal error", c.opts.Name),
		Body: fmt.Sprintf("campaign=%s id=%s\nreason: %v\nmain_repetitions=%d base_iterations=%d\n",
			st.Campaign, st.CampaignID, reason, st.MainRepetitions, st.BaseIterations),
	}
	if c.opts.RunLogPath != "" {
		msg.Attachments = []string{c.opts.RunLogPath}
	}
	if err := c.opts.Notifier.Notify(ctx, msg); err != nil {
		c.log.Warnf("notify: %v", err)
	}
}

// State returns a copy of the current campaign state.
func (c *Campaign) State() model.CampaignState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDevicePowered records a device power change made outside the campaign
// loop, such as a watchdog cutting power on an out-of-bounds reading.
func (c *Campaign) SetDevicePowered(on bool) {
	c.update(func(s *model.CampaignState) { s.DevicePowered = on })
}

func (c *Campaign) update(fn func(s *model.CampaignState)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
	c.persist()
}

func (c *Campaign) persist() {
	c.mu.Lock()
	c.state.UpdatedAt = c.now().Format(time.RFC3339)
	st := c.state
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.SetProgress(st)
	}
	if c.opts.CampaignDir == "" {
		return
	}
	if err := SaveState(c.opts.CampaignDir, st); err != nil {
		c.log.Errorf("save state: %v", err)
	}
}

func (c *Campaign) snapshotHealth() {
	h := c.opts.Supervisor.Health()
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

func (c *Campaign) event(event string, details ...string) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.Event(event, details...); err != nil {
		c.log.Errorf("run log: %v", err)
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
