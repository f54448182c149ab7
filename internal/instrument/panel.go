package instrument

import (
	"errors"
	"fmt"
	"strings"
)

// Pin is one test point on the chip carrier.
type Pin struct {
	Relay string
	Name  string
}

// Pins is the measurement panel in sampling and column order.
var Pins = []Pin{
	{"aa", "VinA"},
	{"ab", "VinD"},
	{"ac", "VddA"},
	{"ad", "VddD"},
	{"ae", "GNDA_ref"},
	{"af", "GNDD_ref"},
	{"ag", "VrefA"},
	{"ah", "VrefD"},
	{"b", "VrextA"},
	{"c", "VrextD"},
	{"d", "Vofs"},
	{"e", "Vref_ADC"},
	{"NTC", "NTC"},
}

// PinNames returns the panel column labels.
func PinNames() []string {
	names := make([]string, len(Pins))
	for i, p := range Pins {
		names[i] = p.Name
	}
	return names
}

// Reading holds one panel sample in Pins order.
type Reading []float64

// Panel samples every test point through the relay board.
type Panel struct {
	relay *RelayBoard
	dmm   *Multimeter
}

func NewPanel(relay *RelayBoard, dmm *Multimeter) *Panel {
	return &Panel{relay: relay, dmm: dmm}
}

// Prepare puts the multimeter into DC voltage mode with one line cycle of
// integration.
func (p *Panel) Prepare() error {
	if err := p.dmm.Configure(FuncVoltDC); err != nil {
		return err
	}
	return p.dmm.SetLineIntegrations(1)
}

// Sample measures all pins. The NTC is read as a resistance; every other
// pin as a DC voltage.
func (p *Panel) Sample() (Reading, error) {
	raw := make(Reading, len(Pins))
	for i, pin := range Pins {
		if err := p.relay.SetPin(pin.Relay); err != nil {
			return nil, err
		}
		var (
			v   float64
			err error
		)
		if pin.Name == "NTC" {
			v, err = p.measureResistance()
		} else {
			v, err = p.dmm.Measure(FuncVoltDC)
		}
		if err != nil {
			return nil, fmt.Errorf("measure %s: %w", pin.Name, err)
		}
		raw[i] = v
	}
	return SubtractGrounds(raw), nil
}

// MeasureNTC routes the thermistor to the multimeter and reads its
// resistance.
func (p *Panel) MeasureNTC() (float64, error) {
	if err := p.relay.SetPin("NTC"); err != nil {
		return 0, err
	}
	return p.measureResistance()
}

func (p *Panel) measureResistance() (float64, error) {
	if err := p.dmm.Configure(FuncResistance); err != nil {
		return 0, err
	}
	v, err := p.dmm.Measure(FuncResistance)
	if cerr := p.dmm.Configure(FuncVoltDC); err == nil {
		err = cerr
	}
	return v, err
}

func (p *Panel) Close() error {
	return errors.Join(p.relay.Close(), p.dmm.Close())
}

// SubtractGrounds references analog pins (name ending in A) to GNDA_ref
// and digital pins (ending in D) to GNDD_ref. The reference pins
// themselves are left untouched.
func SubtractGrounds(r Reading) Reading {
	idx := map[string]int{}
	for i, p := range Pins {
		idx[p.Name] = i
	}
	gndA := r[idx["GNDA_ref"]]
	gndD := r[idx["GNDD_ref"]]

	out := make(Reading, len(r))
	copy(out, r)
	for i, p := range Pins {
		switch {
		case strings.HasSuffix(p.Name, "A"):
			out[i] -= gndA
		case strings.HasSuffix(p.Name, "D"):
			out[i] -= gndD
		}
	}
	return out
}
