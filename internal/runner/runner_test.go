package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/runlog"
)

// scriptedLauncher returns statuses in order, repeating the last one.
type scriptedLauncher struct {
	statuses []int
	calls    []Invocation
	events   *[]string
}

func (s *scriptedLauncher) Launch(_ context.Context, inv Invocation) (int, error) {
	s.calls = append(s.calls, inv)
	if s.events != nil {
		*s.events = append(*s.events, "launch")
	}
	i := len(s.calls) - 1
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return s.statuses[i], nil
}

type fakePower struct {
	events *[]string
}

func (p *fakePower) PowerOff(context.Context) error {
	*p.events = append(*p.events, "off")
	return nil
}

func (p *fakePower) PowerOn(context.Context) error {
	*p.events = append(*p.events, "on")
	return nil
}

type fakeRecorder struct {
	attempts []runlog.Attempt
	failed   []string
}

func (f *fakeRecorder) Attempt(a runlog.Attempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeRecorder) Failed(task, tool string, attempts int, outputDir string, labels []string) error {
	f.failed = append(f.failed, task)
	return nil
}

func testDAQ() model.DAQConfig {
	return model.DAQConfig{
		Executable:          "RD53BminiDAQ",
		ToolsFile:           "RD53BTools.toml",
		Headless:            true,
		ConfigureTimeoutSec: 5,
	}
}

func testPolicy(maxAttempts int) Policy {
	return Policy{Timeout: 600 * time.Second, MaxAttempts: maxAttempts, Backoff: time.Second, PowerCycleFrom: 2, Settle: 500 * time.Millisecond}
}

func newTestRunner(l Launcher, p DevicePower, rec Recorder, maxAttempts int) (*Runner, *[]time.Duration) {
	r := New(testDAQ(), testPolicy(maxAttempts), l, p, rec, logging.Discard())
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestArgs(t *testing.T) {
	r, _ := newTestRunner(&scriptedLauncher{statuses: []int{0}}, nil, nil, 3)

	got := r.Args(Request{ConfigFile: "CROC.xml", Tool: "DigitalScan", UpdateConfig: true, OutputDir: "results/x"})
	assert.Equal(t, []string{
		"RD53BminiDAQ", "-f", "CROC.xml", "-t", "RD53BTools.toml", "-h", "-s", "-o", "results/x", "DigitalScan",
	}, got)

	got = r.Args(Request{ConfigFile: "CROC.xml", Tool: "NoiseScan"})
	assert.Equal(t, []string{"RD53BminiDAQ", "-f", "CROC.xml", "-t", "RD53BTools.toml", "-h", "NoiseScan"}, got)
}

func TestRun_StopsAtFirstSuccess(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		max       int
		wantCalls int
		wantOK    bool
	}{
		{"first try", []int{0}, 3, 1, true},
		{"second try", []int{1, 0}, 3, 2, true},
		{"third try", []int{1, StatusTerminated, 0}, 3, 3, true},
		{"never", []int{1}, 3, 3, false},
		{"never five", []int{2}, 5, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &scriptedLauncher{statuses: tt.statuses}
			rec := &fakeRecorder{}
			r, _ := newTestRunner(l, nil, rec, tt.max)

			out, err := r.Run(context.Background(), Request{Task: "T1", ConfigFile: "CROC.xml", Tool: "X"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, out.Success)
			assert.Equal(t, tt.wantCalls, out.Attempts)
			assert.Len(t, l.calls, tt.wantCalls)
			assert.Len(t, rec.attempts, tt.wantCalls)
			if tt.wantOK {
				assert.Empty(t, rec.failed)
			} else {
				assert.Equal(t, []string{"T1"}, rec.failed)
			}
		})
	}
}

func TestRun_AlwaysFailingLogsTerminalRecord(t *testing.T) {
	l := &scriptedLauncher{statuses: []int{1}}
	rec := &fakeRecorder{}
	r, _ := newTestRunner(l, nil, rec, 3)

	out, err := r.Run(context.Background(), Request{Task: "T1", Tool: "X", OutputDir: "out", Labels: []string{"K:1"}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Status)
	require.Len(t, rec.attempts, 3)
	for i, a := range rec.attempts {
		assert.Equal(t, i, a.Attempt)
		assert.Equal(t, "X", a.Tool)
		assert.Equal(t, []string{"K:1"}, a.Labels)
	}
	assert.Equal(t, []string{"T1"}, rec.failed)
}

func TestRun_PowerCycleStartsAtAttemptTwo(t *testing.T) {
	var events []string
	l := &scriptedLauncher{statuses: []int{1}, events: &events}
	r, slept := newTestRunner(l, &fakePower{events: &events}, nil, 5)

	_, err := r.Run(context.Background(), Request{Task: "T", Tool: "X"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"launch", "launch",
		"off", "on", "launch",
		"off", "on", "launch",
		"off", "on", "launch",
	}, events)
	// 4 backoffs between 5 attempts plus one settle per power cycle.
	assert.Len(t, *slept, 4+3)
}

func TestRun_PowerCycleFromFirstAttempt(t *testing.T) {
	from := 0
	policy := PolicyFromConfig(model.RetryConfig{MaxAttempts: 2, PowerCycleFromAttempt: &from})
	assert.Equal(t, 0, policy.PowerCycleFrom)
	assert.Equal(t, model.DefaultPowerCycleFromAttempt, PolicyFromConfig(model.RetryConfig{}).PowerCycleFrom)

	var events []string
	l := &scriptedLauncher{statuses: []int{1}, events: &events}
	r := New(testDAQ(), policy, l, &fakePower{events: &events}, nil, logging.Discard())
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	_, err := r.Run(context.Background(), Request{Task: "T", Tool: "X"})
	require.NoError(t, err)
	assert.Equal(t, []string{"off", "on", "launch", "off", "on", "launch"}, events)
}

func TestRun_NoPowerCycleWithoutController(t *testing.T) {
	l := &scriptedLauncher{statuses: []int{1}}
	r, _ := newTestRunner(l, nil, nil, 4)
	out, err := r.Run(context.Background(), Request{Task: "T", Tool: "X"})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Attempts)
}

func TestRun_TaskOverrides(t *testing.T) {
	l := &scriptedLauncher{statuses: []int{1}}
	r, _ := newTestRunner(l, nil, nil, 3)

	out, err := r.Run(context.Background(), Request{Task: "T", Tool: "X", MaxAttempts: 1, Timeout: 42 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 42*time.Second, l.calls[0].Timeout)
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	l := &scriptedLauncher{statuses: []int{1}}
	r, _ := newTestRunner(l, nil, nil, 3)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := r.Run(ctx, Request{Task: "T", Tool: "X"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, l.calls, 1)
}

func TestConfigure(t *testing.T) {
	l := &scriptedLauncher{statuses: []int{StatusTerminated, 0}}
	rec := &fakeRecorder{}
	r, _ := newTestRunner(l, nil, rec, 3)

	out, err := r.Configure(context.Background(), "IVConfigured", "CROC.xml")
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, l.calls, 2)
	assert.Equal(t, []string{"RD53BminiDAQ", "-f", "CROC.xml"}, l.calls[0].Args)
	assert.Equal(t, 5*time.Second, l.calls[0].Timeout)
}
