package instrument

import (
	"fmt"
	"math"
	"strconv"
)

// EventRecorder receives one row per X-ray action.
type EventRecorder interface {
	Event(event string, details ...string) error
}

// XRay drives the X-ray generator over its serial command set.
type XRay struct {
	conn    Conn
	shutter int
	rec     EventRecorder
}

func NewXRay(conn Conn, shutter int, rec EventRecorder) *XRay {
	if shutter <= 0 {
		shutter = 3
	}
	return &XRay{conn: conn, shutter: shutter, rec: rec}
}

func (x *XRay) do(cmd, event string, details ...string) error {
	if err := x.conn.Command(cmd); err != nil {
		return fmt.Errorf("xray %s: %w", event, err)
	}
	x.record(event, details...)
	return nil
}

func (x *XRay) record(event string, details ...string) {
	if x.rec != nil {
		_ = x.rec.Event("xray", append([]string{event}, details...)...)
	}
}

func (x *XRay) Reset() error { return x.do("RESET", "reset") }

func (x *XRay) On() error { return x.do("HV:1", "on") }

// Off closes the shutter before dropping the high voltage.
func (x *XRay) Off() error {
	if err := x.conn.Command(fmt.Sprintf("CS:%d", x.shutter)); err != nil {
		return fmt.Errorf("xray off: close shutter: %w", err)
	}
	return x.do("HV:0", "off")
}

func (x *XRay) SetVoltage(kv float64) error {
	s := formatFloat(kv)
	return x.do("SV:"+s, "set_voltage", s)
}

func (x *XRay) SetCurrent(ma float64) error {
	s := formatFloat(ma)
	return x.do("SC:"+s, "set_current", s)
}

func (x *XRay) OpenShutter() error {
	n := strconv.Itoa(x.shutter)
	return x.do("OS:"+n, "open_shutter", n)
}

func (x *XRay) CloseShutter() error {
	n := strconv.Itoa(x.shutter)
	return x.do("CS:"+n, "close_shutter", n)
}

// VerifyParameters reads back the nominal voltage and current and compares
// them with the expected values.
func (x *XRay) VerifyParameters(kv, ma float64) error {
	gotKV, err := x.queryFloat("VN")
	if err != nil {
		return fmt.Errorf("xray verify: %w", err)
	}
	gotMA, err := x.queryFloat("CN")
	if err != nil {
		return fmt.Errorf("xray verify: %w", err)
	}
	if !closeEnough(gotKV, kv) || !closeEnough(gotMA, ma) {
		return fmt.Errorf("xray verify: got %gkV %gmA, want %gkV %gmA", gotKV, gotMA, kv, ma)
	}
	x.record("verify_parameters", formatFloat(gotKV), formatFloat(gotMA))
	return nil
}

func (x *XRay) queryFloat(cmd string) (float64, error) {
	reply, err := x.conn.Query(cmd)
	if err != nil {
		return 0, err
	}
	return parseReading(reply)
}

func closeEnough(got, want float64) bool {
	return math.Abs(got-want) <= math.Max(0.01*math.Abs(want), 1e-6)
}

func (x *XRay) Close() error { return x.conn.Close() }
