package instrument

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/msageha/croc_campaign/internal/model"
)

// Supply is what the campaign needs from the device power supply.
type Supply interface {
	Channels() int
	SetVoltage(ch int, v float64) error
	SetCurrent(ch int, a float64) error
	Voltage(ch int) (float64, error)
	Current(ch int) (float64, error)
	ReadCurrent(ch int) (float64, error)
	Init(voltage, current float64) error
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Sampler reads the measurement panel.
type Sampler interface {
	Prepare() error
	Sample() (Reading, error)
}

// XRaySource is the X-ray generator.
type XRaySource interface {
	Reset() error
	On() error
	Off() error
	SetVoltage(kv float64) error
	SetCurrent(ma float64) error
	OpenShutter() error
	CloseShutter() error
	VerifyParameters(kv, ma float64) error
}

// Bench holds the instruments of one test stand.
type Bench struct {
	Supply Supply
	Panel  Sampler
	XRay   XRaySource // nil when the campaign does not irradiate

	closers []io.Closer
}

// OpenBench connects to every instrument named in cfg. The X-ray generator
// is only opened when withXRay is set.
func OpenBench(cfg model.Config, rec EventRecorder, withXRay bool) (*Bench, error) {
	b := &Bench{}
	fail := func(err error) (*Bench, error) {
		_ = b.Close()
		return nil, err
	}

	psCfg := cfg.Instruments.PowerSupply
	psConn, err := Dial(psCfg.TransportConfig)
	if err != nil {
		return fail(fmt.Errorf("power supply: %w", err))
	}
	psu := NewPowerSupply(psConn, psCfg.Channels)
	b.closers = append(b.closers, psu)
	b.Supply = psu

	panel, err := OpenPanel(cfg.Instruments)
	if err != nil {
		return fail(err)
	}
	b.closers = append(b.closers, panel)
	b.Panel = panel

	if withXRay {
		xc := cfg.XRay
		conn, err := OpenSerial(xc.Port, xc.Baud, 5*time.Second)
		if err != nil {
			return fail(fmt.Errorf("xray: %w", err))
		}
		x := NewXRay(conn, xc.Shutter, rec)
		b.closers = append(b.closers, x)
		b.XRay = x
	}
	return b, nil
}

// OpenPanel connects the multimeter and relay boards that make up the
// test-point panel.
func OpenPanel(cfg model.InstrumentsConfig) (*Panel, error) {
	dmmConn, err := Dial(cfg.Multimeter)
	if err != nil {
		return nil, fmt.Errorf("multimeter: %w", err)
	}
	dmm := NewMultimeter(dmmConn)

	rb := cfg.RelayBoard
	first, err := OpenSerial(rb.Port, rb.Baud, 0)
	if err != nil {
		_ = dmm.Close()
		return nil, fmt.Errorf("relay board: %w", err)
	}
	var second Conn
	if rb.Port2 != "" {
		second, err = OpenSerial(rb.Port2, rb.Baud, 0)
		if err != nil {
			_ = first.Close()
			_ = dmm.Close()
			return nil, fmt.Errorf("relay board: %w", err)
		}
	}
	return NewPanel(NewRelayBoard(first, second), dmm), nil
}

func (b *Bench) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
