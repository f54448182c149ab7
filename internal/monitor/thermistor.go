package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/measure"
	"github.com/msageha/croc_campaign/internal/model"
)

// NTCReader reads the thermistor resistance in ohms.
type NTCReader interface {
	MeasureNTC() (float64, error)
}

const kelvin = 273.15

// Temperature converts a thermistor resistance to degrees Celsius with the
// beta equation.
func Temperature(resistance, r25, beta float64) float64 {
	invT := 1/(25+kelvin) + math.Log(resistance/r25)/beta
	return 1/invT - kelvin
}

// Thermistor logs the NTC temperature and exits when it leaves its bounds
// or the bus stops answering.
type Thermistor struct {
	cfg    model.WatchdogConfig
	reader NTCReader
	csv    string
	log    *logging.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewThermistor logs readings to csvPath.
func NewThermistor(cfg model.WatchdogConfig, reader NTCReader, csvPath string, log *logging.Logger) *Thermistor {
	return &Thermistor{
		cfg:    cfg,
		reader: reader,
		csv:    csvPath,
		log:    log.With("thermistor"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (t *Thermistor) inBounds(temp float64) bool {
	if t.cfg.Min == 0 && t.cfg.Max == 0 {
		return true
	}
	return temp >= t.cfg.Min && temp <= t.cfg.Max
}

// Run samples until ctx is done or a limit is hit and returns the exit
// code.
func (t *Thermistor) Run(ctx context.Context) int {
	table, err := measure.OpenTable(t.csv, []string{"time", "resistance", "temperature"})
	if err != nil {
		t.log.Errorf("%v", err)
		return model.ExitUnreachable
	}
	defer table.Close()

	failures, violations := 0, 0
	for ctx.Err() == nil {
		r, err := t.reader.MeasureNTC()
		if err != nil {
			failures++
			t.log.Warnf("read thermistor failed (%d in a row): %v", failures, err)
			if failures >= t.cfg.MaxReconnects {
				t.log.Errorf("thermistor unreachable, exiting (code %d)", model.ExitUnreachable)
				return model.ExitUnreachable
			}
		} else {
			failures = 0
			temp := Temperature(r, t.cfg.R25, t.cfg.Beta)
			row := []string{
				t.now().Format(measure.VMonitorTimeLayout),
				fmt.Sprintf("%g", r),
				fmt.Sprintf("%.2f", temp),
			}
			if err := table.Append(row); err != nil {
				t.log.Errorf("%v", err)
			}
			if t.inBounds(temp) {
				violations = 0
			} else {
				violations++
				t.log.Errorf("temperature %.2f outside [%g, %g] (%d in a row)", temp, t.cfg.Min, t.cfg.Max, violations)
			}
			if violations >= t.cfg.MaxViolations {
				t.log.Errorf("temperature out of bounds %d times in a row, exiting (code %d)", violations, model.ExitOutOfBounds)
				return model.ExitOutOfBounds
			}
		}
		if err := t.sleep(ctx, seconds(t.cfg.IntervalSec)); err != nil {
			break
		}
	}
	return 0
}
