package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PowerSupply drives a multi-output TTi bench supply.
type PowerSupply struct {
	conn     Conn
	channels int
}

func NewPowerSupply(conn Conn, channels int) *PowerSupply {
	if channels <= 0 {
		channels = 2
	}
	return &PowerSupply{conn: conn, channels: channels}
}

func (p *PowerSupply) Channels() int { return p.channels }

func (p *PowerSupply) checkChannel(ch int) error {
	if ch < 1 || ch > p.channels {
		return fmt.Errorf("power supply: channel %d out of range 1..%d", ch, p.channels)
	}
	return nil
}

func (p *PowerSupply) SetVoltage(ch int, v float64) error {
	if err := p.checkChannel(ch); err != nil {
		return err
	}
	return p.conn.Command(fmt.Sprintf("V%d %s", ch, formatFloat(v)))
}

func (p *PowerSupply) SetCurrent(ch int, a float64) error {
	if err := p.checkChannel(ch); err != nil {
		return err
	}
	return p.conn.Command(fmt.Sprintf("I%d %s", ch, formatFloat(a)))
}

// Voltage returns the voltage set-point of ch.
func (p *PowerSupply) Voltage(ch int) (float64, error) {
	return p.queryFloat(ch, "V%d?")
}

// Current returns the current limit set-point of ch.
func (p *PowerSupply) Current(ch int) (float64, error) {
	return p.queryFloat(ch, "I%d?")
}

// ReadCurrent measures the output current of ch.
func (p *PowerSupply) ReadCurrent(ch int) (float64, error) {
	return p.queryFloat(ch, "I%dO?")
}

// ReadVoltage measures the output voltage of ch.
func (p *PowerSupply) ReadVoltage(ch int) (float64, error) {
	return p.queryFloat(ch, "V%dO?")
}

func (p *PowerSupply) queryFloat(ch int, format string) (float64, error) {
	if err := p.checkChannel(ch); err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf(format, ch)
	reply, err := p.conn.Query(cmd)
	if err != nil {
		return 0, err
	}
	return parseReading(reply)
}

func (p *PowerSupply) Output(ch int, on bool) error {
	if err := p.checkChannel(ch); err != nil {
		return err
	}
	return p.conn.Command(fmt.Sprintf("OP%d %d", ch, boolDigit(on)))
}

func (p *PowerSupply) OutputAll(on bool) error {
	return p.conn.Command(fmt.Sprintf("OPALL %d", boolDigit(on)))
}

func (p *PowerSupply) PowerOff(context.Context) error { return p.OutputAll(false) }
func (p *PowerSupply) PowerOn(context.Context) error  { return p.OutputAll(true) }

// Init switches every output off, applies the nominal voltage and current
// limit on each channel and switches them back on.
func (p *PowerSupply) Init(voltage, current float64) error {
	if err := p.OutputAll(false); err != nil {
		return fmt.Errorf("power supply init: %w", err)
	}
	for ch := 1; ch <= p.channels; ch++ {
		if err := p.SetVoltage(ch, voltage); err != nil {
			return fmt.Errorf("power supply init: %w", err)
		}
		if err := p.SetCurrent(ch, current); err != nil {
			return fmt.Errorf("power supply init: %w", err)
		}
	}
	if err := p.OutputAll(true); err != nil {
		return fmt.Errorf("power supply init: %w", err)
	}
	return nil
}

func (p *PowerSupply) Close() error { return p.conn.Close() }

// parseReading extracts the number from replies such as "V1 1.800",
// "0.123A" or "+1.234E-01".
func parseReading(reply string) (float64, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty reply")
	}
	s := strings.TrimRight(fields[len(fields)-1], "VAWvaw")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reply %q: %w", reply, err)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
