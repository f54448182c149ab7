package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/croc_campaign/internal/dispatch"
	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/notify"
	"github.com/msageha/croc_campaign/internal/uds"
	"github.com/msageha/croc_campaign/internal/watchdog"
)

type fakeDispatcher struct {
	names   []string
	results map[string]dispatch.Result
	errs    map[string]error
	hook    func(name string)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task model.Task) (dispatch.Result, error) {
	d.names = append(d.names, task.Name)
	if d.hook != nil {
		d.hook(task.Name)
	}
	if err := d.errs[task.Name]; err != nil {
		return dispatch.Result{}, err
	}
	if res, ok := d.results[task.Name]; ok {
		return res, nil
	}
	return dispatch.Result{Success: true}, nil
}

type fakeSupervisor struct {
	calls    []string
	gateErrs []error
	gateHook func()
	started  bool
	stopped  bool
}

func (s *fakeSupervisor) Start() error {
	s.started = true
	return nil
}

func (s *fakeSupervisor) Gate(ctx context.Context) error {
	s.calls = append(s.calls, "gate")
	if s.gateHook != nil {
		s.gateHook()
	}
	if len(s.gateErrs) > 0 {
		err := s.gateErrs[0]
		s.gateErrs = s.gateErrs[1:]
		return err
	}
	return ctx.Err()
}

func (s *fakeSupervisor) record(call string) error {
	s.calls = append(s.calls, call)
	return nil
}

func (s *fakeSupervisor) Pause(name string) error   { return s.record("pause:" + name) }
func (s *fakeSupervisor) Resume(name string) error  { return s.record("resume:" + name) }
func (s *fakeSupervisor) Restart(name string) error { return s.record("restart:" + name) }

func (s *fakeSupervisor) Stop() error {
	s.stopped = true
	return nil
}

func (s *fakeSupervisor) Health() map[string]string {
	return map[string]string{watchdog.Temperature: "healthy"}
}

type fakeXRay struct {
	mu          sync.Mutex
	actions     []string
	verifyFails int
	verifies    int
}

func (x *fakeXRay) act(name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.actions = append(x.actions, name)
	return nil
}

func (x *fakeXRay) Reset() error             { return x.act("reset") }
func (x *fakeXRay) On() error                { return x.act("on") }
func (x *fakeXRay) Off() error               { return x.act("off") }
func (x *fakeXRay) SetVoltage(float64) error { return x.act("set_voltage") }
func (x *fakeXRay) SetCurrent(float64) error { return x.act("set_current") }
func (x *fakeXRay) OpenShutter() error       { return x.act("open_shutter") }
func (x *fakeXRay) CloseShutter() error      { return x.act("close_shutter") }
func (x *fakeXRay) VerifyParameters(kv, ma float64) error {
	_ = x.act("verify")
	x.verifies++
	if x.verifies <= x.verifyFails {
		return errors.New("tube current mismatch")
	}
	return nil
}

type events struct {
	mu   sync.Mutex
	rows []string
}

func (e *events) Event(event string, details ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, strings.Join(append([]string{event}, details...), ","))
	return nil
}

func (e *events) has(row string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rows {
		if r == row {
			return true
		}
	}
	return false
}

type notifications struct {
	got []notify.Message
}

func (n *notifications) Notify(_ context.Context, msg notify.Message) error {
	n.got = append(n.got, msg)
	return nil
}

func toolRun(name string) model.Task {
	return model.Task{Name: name, Spec: model.ConfigToolRun{ConfigFile: "CROC.xml", Tools: []string{"AnalogScan"}}}
}

type fixture struct {
	dir      string
	disp     *fakeDispatcher
	sup      *fakeSupervisor
	supply   *instrument.SimSupply
	xray     *fakeXRay
	events   *events
	notifier *notifications
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		dir:      t.TempDir(),
		disp:     &fakeDispatcher{results: map[string]dispatch.Result{}, errs: map[string]error{}},
		sup:      &fakeSupervisor{},
		supply:   instrument.NewSimSupply(2),
		xray:     &fakeXRay{},
		events:   &events{},
		notifier: &notifications{},
		clock:    time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) campaign(def model.CampaignDef, base, main []model.Task, mutate func(*model.Config)) *Campaign {
	cfg := model.ApplyDefaults(model.Config{})
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(Options{
		Name:        "irradiation",
		Def:         def,
		Config:      cfg,
		CampaignDir: f.dir,
		Base:        Batch{Name: "base", Tasks: base},
		Main:        Batch{Name: "main", Tasks: main},
		Dispatcher:  f.disp,
		Supervisor:  f.sup,
		Supply:      f.supply,
		XRay:        f.xray,
		Events:      f.events,
		RunLogPath:  filepath.Join(f.dir, "log.csv"),
		Notifier:    f.notifier,
		Now:         func() time.Time { return f.clock },
	})
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestRun_SinglePass(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(model.CampaignDef{Base: "pre_irradiation"}, []model.Task{toolRun("a"), toolRun("b")}, nil, nil)

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{"a", "b"}, f.disp.names)
	assert.True(t, f.sup.started)
	assert.True(t, f.sup.stopped)
	assert.False(t, f.supply.IsOn())
	assert.Contains(t, f.supply.Log, "V1=1.8")
	assert.Contains(t, f.supply.Log, "I2=2")

	st, ok, err := LoadState(f.dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CampaignStatusCompleted, st.Status)
	assert.Equal(t, 1, st.BaseIterations)
	assert.Equal(t, 0, st.MainRepetitions)
	assert.False(t, st.DevicePowered)
	assert.NotEmpty(t, st.CampaignID)
	assert.Empty(t, f.notifier.got)
	assert.True(t, f.events.has("campaign,completed"))
}

func TestRun_MainBatchSchedule(t *testing.T) {
	f := newFixture(t)
	var c *Campaign
	f.disp.hook = func(string) {
		f.clock = f.clock.Add(30 * time.Minute)
		if len(f.disp.names) == 6 {
			c.RequestStop()
		}
	}
	c = f.campaign(model.CampaignDef{Base: "irradiation_base", Main: "irradiation_main", Repeat: true},
		[]model.Task{toolRun("b")}, []model.Task{toolRun("m")}, nil)

	require.NoError(t, c.Run(context.Background()))

	// Main runs after the first base batch, then once more than an hour
	// has passed since it last ran.
	assert.Equal(t, []string{"b", "m", "b", "b", "b", "m"}, f.disp.names)
	st := c.State()
	assert.Equal(t, model.CampaignStatusStopped, st.Status)
	assert.Equal(t, 2, st.MainRepetitions)
	assert.Equal(t, 4, st.BaseIterations)
	require.NotNil(t, st.LastMainAt)
	assert.Equal(t, "2024-03-05T17:00:00Z", *st.LastMainAt)
}

func TestRun_WatchdogFatal(t *testing.T) {
	f := newFixture(t)
	f.sup.gateErrs = []error{nil, fmt.Errorf("%w: temperature unreachable 4 times", watchdog.ErrFatalUnrecoverable)}
	c := f.campaign(model.CampaignDef{Base: "irradiation_base", Repeat: true}, []model.Task{toolRun("a"), toolRun("b")}, nil, nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, watchdog.ErrFatalUnrecoverable)

	assert.Equal(t, []string{"a"}, f.disp.names, "no task runs after the escalation")
	assert.False(t, f.supply.IsOn())
	assert.True(t, f.sup.stopped)

	st := c.State()
	assert.Equal(t, model.CampaignStatusFatal, st.Status)
	require.NotNil(t, st.FatalReason)
	assert.Contains(t, *st.FatalReason, "temperature unreachable")

	require.Len(t, f.notifier.got, 1)
	assert.Contains(t, f.notifier.got[0].Body, "temperature unreachable")
	assert.Equal(t, []string{filepath.Join(f.dir, "log.csv")}, f.notifier.got[0].Attachments)
}

func TestRun_XRayRecoversAfterPowerCycles(t *testing.T) {
	f := newFixture(t)
	f.xray.verifyFails = 2
	c := f.campaign(model.CampaignDef{Base: "irradiation_base", XRay: true}, []model.Task{toolRun("a")}, nil, nil)

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{"a"}, f.disp.names)
	assert.Equal(t, 3, f.xray.verifies)
	assert.True(t, f.events.has("xray,power_cycle,1"))
	assert.True(t, f.events.has("xray,power_cycle,2"))
	assert.False(t, f.events.has("xray,power_cycle,3"))
	assert.Equal(t, []string{"set_voltage", "set_current", "on", "open_shutter", "verify", "off"}, f.xray.actions[:6])
	assert.Equal(t, "off", f.xray.actions[len(f.xray.actions)-1])
	assert.False(t, c.State().XRayOn)
}

func TestRun_XRayUnrecoverable(t *testing.T) {
	f := newFixture(t)
	f.xray.verifyFails = 100
	c := f.campaign(model.CampaignDef{Base: "irradiation_base", Repeat: true, XRay: true}, []model.Task{toolRun("a")}, nil, nil)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrXRayUnrecoverable)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Empty(t, f.disp.names)
	assert.Equal(t, 4, f.xray.verifies, "initial check plus three power cycles")
	assert.False(t, f.supply.IsOn())
	assert.Equal(t, model.CampaignStatusFatal, c.State().Status)
}

func TestRun_WatchdogCoordination(t *testing.T) {
	f := newFixture(t)
	tasks := []model.Task{
		{Name: "iv", Spec: model.CurrentVoltageSweep{StartCurrent: 0.1, FinalCurrent: 2.5, CurrentStep: 0.1}},
		{Name: "vmon", Spec: model.VoltageMonitorSnapshot{}},
		toolRun("scan"),
	}
	c := f.campaign(model.CampaignDef{Base: "irradiation_base"}, tasks, nil, nil)

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{
		"gate", "pause:thermistor", "resume:thermistor", "restart:temperature",
		"gate", "pause:thermistor", "resume:thermistor",
		"gate",
	}, f.sup.calls)
	assert.Equal(t, map[string]string{watchdog.Temperature: "healthy"}, c.Status().Watchdogs)
}

func TestRun_TaskFailure(t *testing.T) {
	t.Run("campaign continues", func(t *testing.T) {
		f := newFixture(t)
		f.disp.results["a"] = dispatch.Result{Success: false}
		f.disp.errs["b"] = errors.New("multimeter timeout")
		c := f.campaign(model.CampaignDef{Base: "base"}, []model.Task{toolRun("a"), toolRun("b"), toolRun("c")}, nil, nil)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, []string{"a", "b", "c"}, f.disp.names)
		assert.True(t, f.events.has("task_error,b,multimeter timeout"))
	})

	t.Run("fatal when configured", func(t *testing.T) {
		f := newFixture(t)
		f.disp.results["a"] = dispatch.Result{Success: false}
		c := f.campaign(model.CampaignDef{Base: "base"}, []model.Task{toolRun("a"), toolRun("b")}, nil, func(cfg *model.Config) {
			cfg.Campaign.FatalOnTaskFailure = true
		})

		err := c.Run(context.Background())
		assert.ErrorIs(t, err, ErrFatal)
		assert.Equal(t, []string{"a"}, f.disp.names)
	})

	t.Run("unknown kind is fatal", func(t *testing.T) {
		f := newFixture(t)
		f.disp.errs["a"] = fmt.Errorf("task %q: %w", "a", dispatch.ErrUnknownKind)
		c := f.campaign(model.CampaignDef{Base: "base"}, []model.Task{toolRun("a"), toolRun("b")}, nil, nil)

		err := c.Run(context.Background())
		assert.ErrorIs(t, err, dispatch.ErrUnknownKind)
		assert.Equal(t, []string{"a"}, f.disp.names)
	})

	t.Run("broken configuration is fatal", func(t *testing.T) {
		f := newFixture(t)
		f.disp.errs["a"] = fmt.Errorf("%w: open configuration store: parse config store CROC.toml: bad key", dispatch.ErrConfiguration)
		c := f.campaign(model.CampaignDef{Base: "base", Repeat: true}, []model.Task{toolRun("a"), toolRun("b")}, nil, nil)

		err := c.Run(context.Background())
		assert.ErrorIs(t, err, ErrFatal)
		assert.ErrorIs(t, err, dispatch.ErrConfiguration)
		assert.Equal(t, []string{"a"}, f.disp.names)
		assert.False(t, f.supply.IsOn())
		assert.False(t, f.events.has("task_error,a,"+f.disp.errs["a"].Error()))

		st := c.State()
		assert.Equal(t, model.CampaignStatusFatal, st.Status)
		require.NotNil(t, st.FatalReason)
		assert.Contains(t, *st.FatalReason, "CROC.toml")
		require.Len(t, f.notifier.got, 1)
	})
}

func TestRun_WatchdogPowerCutIsPersisted(t *testing.T) {
	f := newFixture(t)
	var c *Campaign
	var persisted []bool
	f.sup.gateHook = func() {
		c.SetDevicePowered(false)
		st, ok, err := LoadState(f.dir)
		require.NoError(t, err)
		require.True(t, ok)
		persisted = append(persisted, st.DevicePowered)
		c.SetDevicePowered(true)
	}
	var during []bool
	f.disp.hook = func(string) { during = append(during, c.State().DevicePowered) }
	c = f.campaign(model.CampaignDef{Base: "base"}, []model.Task{toolRun("a")}, nil, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []bool{false}, persisted)
	assert.Equal(t, []bool{true}, during)
	assert.False(t, c.State().DevicePowered)
}

func TestRun_CancelledPowersDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.disp.hook = func(string) { cancel() }
	c := f.campaign(model.CampaignDef{Base: "base", Repeat: true}, []model.Task{toolRun("a"), toolRun("b")}, nil, nil)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []string{"a"}, f.disp.names)
	assert.False(t, f.supply.IsOn())
	assert.Equal(t, model.CampaignStatusStopped, c.State().Status)
	assert.Empty(t, f.notifier.got)
}

func TestRun_ResumesSchedule(t *testing.T) {
	f := newFixture(t)
	last := f.clock.Add(-2 * time.Hour).Format(time.RFC3339)
	require.NoError(t, SaveState(f.dir, model.CampaignState{
		SchemaVersion:   1,
		FileType:        model.FileTypeCampaignState,
		CampaignID:      "prior-id",
		Campaign:        "irradiation",
		Status:          model.CampaignStatusFatal,
		LastMainAt:      &last,
		MainRepetitions: 12,
		BaseIterations:  40,
	}))
	c := f.campaign(model.CampaignDef{Base: "base", Main: "main"}, []model.Task{toolRun("b")}, []model.Task{toolRun("m")}, nil)

	require.NoError(t, c.Run(context.Background()))

	// 12 repetitions puts the schedule on the 10 hour step.
	assert.Equal(t, []string{"b"}, f.disp.names)
	st := c.State()
	assert.Equal(t, "prior-id", st.CampaignID)
	assert.Equal(t, 12, st.MainRepetitions)
	assert.Equal(t, 41, st.BaseIterations)
}

func TestMainInterval(t *testing.T) {
	steps := model.ApplyDefaults(model.Config{}).Campaign.MainIntervals
	tests := []struct {
		reps int
		want time.Duration
	}{
		{0, time.Hour},
		{9, time.Hour},
		{10, 10 * time.Hour},
		{99, 10 * time.Hour},
		{100, 50 * time.Hour},
		{5000, 50 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MainInterval(steps, tt.reps), "reps=%d", tt.reps)
	}
}

func TestMainDue(t *testing.T) {
	steps := model.ApplyDefaults(model.Config{}).Campaign.MainIntervals
	now := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *string {
		s := now.Add(-d).Format(time.RFC3339)
		return &s
	}

	assert.True(t, MainDue(model.CampaignState{}, steps, now))
	assert.False(t, MainDue(model.CampaignState{LastMainAt: at(time.Hour)}, steps, now))
	assert.True(t, MainDue(model.CampaignState{LastMainAt: at(time.Hour + time.Second)}, steps, now))
	assert.False(t, MainDue(model.CampaignState{LastMainAt: at(9 * time.Hour), MainRepetitions: 10}, steps, now))
}

func TestLoadState_RecoversFromBackup(t *testing.T) {
	dir := t.TempDir()
	st := model.CampaignState{SchemaVersion: 1, FileType: model.FileTypeCampaignState, Campaign: "irradiation", MainRepetitions: 3}
	require.NoError(t, SaveState(dir, st))
	st.MainRepetitions = 4
	require.NoError(t, SaveState(dir, st))

	require.NoError(t, os.WriteFile(StatePath(dir), []byte("{{not yaml"), 0644))

	got, ok, err := LoadState(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.MainRepetitions)

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadState_Missing(t *testing.T) {
	_, ok, err := LoadState(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControlSocket(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(model.CampaignDef{Base: "base"}, nil, nil, nil)
	c.initState()

	sockDir, err := os.MkdirTemp("/tmp", "camp-ctl-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	path := filepath.Join(sockDir, "c.sock")

	server := uds.NewServer(path, nil)
	c.Register(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	client := uds.NewClient(path)

	resp, err := client.SendCommand(uds.CommandStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	var report StatusReport
	require.NoError(t, resp.Decode(&report))
	assert.Equal(t, "irradiation", report.State.Campaign)
	assert.Equal(t, model.CampaignStatusRunning, report.State.Status)
	assert.False(t, report.StopRequested)

	resp, err = client.SendCommand(uds.CommandStop, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CommandStop, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, uds.ErrCodeAlreadyStopping, resp.Error.Code)

	assert.True(t, c.Status().StopRequested)
}

func TestWatchdogCommands(t *testing.T) {
	cfg := model.Config{}
	cfg.Watchdogs.Thermistor.Command = []string{"python3", "thermistor.py"}
	cmds := watchdogCommands(cfg, "/usr/local/bin/campaign")
	assert.Equal(t, []string{"/usr/local/bin/campaign", "watchdog", "peltier"}, cmds[watchdog.Temperature])
	assert.Equal(t, []string{"python3", "thermistor.py"}, cmds[watchdog.Thermistor])

	cfg.Watchdogs.Temperature.Enabled = true
	assert.Equal(t, []string{watchdog.Temperature}, enabledWatchdogs(cfg, false))
	assert.Empty(t, enabledWatchdogs(cfg, true))
}

func TestAttemptOutcome(t *testing.T) {
	assert.Equal(t, "ok", attemptOutcome(0))
	assert.Equal(t, "timeout", attemptOutcome(-1))
	assert.Equal(t, "launch_failed", attemptOutcome(-2))
	assert.Equal(t, "failed", attemptOutcome(3))
}
