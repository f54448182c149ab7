package instrument

import (
	"fmt"
	"strings"
)

// Measurement functions understood by the multimeter.
const (
	FuncVoltDC     = "VOLT:DC"
	FuncResistance = "RES"
)

// Multimeter drives a Keithley 2000 style DMM.
type Multimeter struct {
	conn Conn
}

func NewMultimeter(conn Conn) *Multimeter {
	return &Multimeter{conn: conn}
}

func (m *Multimeter) Configure(function string) error {
	return m.conn.Command("CONF:" + function)
}

// SetLineIntegrations sets the integration time in power line cycles for
// the voltage and resistance functions.
func (m *Multimeter) SetLineIntegrations(nplc int) error {
	for _, fn := range []string{FuncVoltDC, FuncResistance} {
		if err := m.conn.Command(fmt.Sprintf("%s:NPLC %d", fn, nplc)); err != nil {
			return err
		}
	}
	return nil
}

// Measure takes one reading of function.
func (m *Multimeter) Measure(function string) (float64, error) {
	reply, err := m.conn.Query("MEAS:" + function + "?")
	if err != nil {
		return 0, err
	}
	// Some firmware appends units or extra fields after a comma.
	if i := strings.IndexByte(reply, ','); i >= 0 {
		reply = reply[:i]
	}
	return parseReading(reply)
}

func (m *Multimeter) Close() error { return m.conn.Close() }
