package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/msageha/croc_campaign/internal/model"
)

// SimSupply is an in-memory power supply for dry runs and tests.
type SimSupply struct {
	mu       sync.Mutex
	channels int
	voltage  map[int]float64
	current  map[int]float64
	on       bool
	Log      []string
}

func NewSimSupply(channels int) *SimSupply {
	if channels <= 0 {
		channels = 2
	}
	return &SimSupply{channels: channels, voltage: map[int]float64{}, current: map[int]float64{}}
}

func (s *SimSupply) Channels() int { return s.channels }

func (s *SimSupply) logf(format string, args ...any) {
	s.Log = append(s.Log, fmt.Sprintf(format, args...))
}

func (s *SimSupply) SetVoltage(ch int, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltage[ch] = v
	s.logf("V%d=%g", ch, v)
	return nil
}

func (s *SimSupply) SetCurrent(ch int, a float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[ch] = a
	s.logf("I%d=%g", ch, a)
	return nil
}

func (s *SimSupply) Voltage(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage[ch], nil
}

func (s *SimSupply) Current(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[ch], nil
}

// ReadCurrent reports half the limit while powered, zero otherwise.
func (s *SimSupply) ReadCurrent(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		return 0, nil
	}
	return s.current[ch] / 2, nil
}

func (s *SimSupply) Init(voltage, current float64) error {
	for ch := 1; ch <= s.channels; ch++ {
		_ = s.SetVoltage(ch, voltage)
		_ = s.SetCurrent(ch, current)
	}
	return s.PowerOn(context.Background())
}

func (s *SimSupply) PowerOn(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = true
	s.logf("on")
	return nil
}

func (s *SimSupply) PowerOff(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = false
	s.logf("off")
	return nil
}

func (s *SimSupply) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// SimPanel returns a fixed nominal reading.
type SimPanel struct {
	Samples int
}

func (p *SimPanel) Prepare() error { return nil }

func (p *SimPanel) Sample() (Reading, error) {
	p.Samples++
	raw := make(Reading, len(Pins))
	for i, pin := range Pins {
		switch pin.Name {
		case "NTC":
			raw[i] = 10000
		case "GNDA_ref", "GNDD_ref":
			raw[i] = 0.01
		default:
			raw[i] = 1.2
		}
	}
	return SubtractGrounds(raw), nil
}

// SimXRay accepts every command and verifies successfully unless Fail is
// set.
type SimXRay struct {
	rec     EventRecorder
	Fail    bool
	Actions []string
}

func NewSimXRay(rec EventRecorder) *SimXRay { return &SimXRay{rec: rec} }

func (x *SimXRay) act(name string) error {
	x.Actions = append(x.Actions, name)
	if x.rec != nil {
		_ = x.rec.Event("xray", name, "dry-run")
	}
	return nil
}

func (x *SimXRay) Reset() error                { return x.act("reset") }
func (x *SimXRay) On() error                   { return x.act("on") }
func (x *SimXRay) Off() error                  { return x.act("off") }
func (x *SimXRay) SetVoltage(float64) error    { return x.act("set_voltage") }
func (x *SimXRay) SetCurrent(float64) error    { return x.act("set_current") }
func (x *SimXRay) OpenShutter() error          { return x.act("open_shutter") }
func (x *SimXRay) CloseShutter() error         { return x.act("close_shutter") }
func (x *SimXRay) VerifyParameters(kv, ma float64) error {
	_ = x.act("verify_parameters")
	if x.Fail {
		return fmt.Errorf("xray verify: simulated failure")
	}
	return nil
}

// SimBench assembles dry-run instruments that never touch hardware.
func SimBench(cfg model.Config, rec EventRecorder, withXRay bool) *Bench {
	b := &Bench{
		Supply: NewSimSupply(cfg.Instruments.PowerSupply.Channels),
		Panel:  &SimPanel{},
	}
	if withXRay {
		b.XRay = NewSimXRay(rec)
	}
	return b
}
