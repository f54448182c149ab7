package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/croc_campaign/internal/model"
)

// startXRay programs the tube settings, switches the high voltage on and
// opens the shutter.
func (c *Campaign) startXRay(ctx context.Context) error {
	x := c.opts.XRay
	cfg := c.opts.Config.XRay
	steps := []func() error{
		func() error { return x.SetVoltage(cfg.VoltageKV) },
		func() error { return x.SetCurrent(cfg.CurrentMA) },
		x.On,
		x.OpenShutter,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}
	c.update(func(s *model.CampaignState) { s.XRayOn = true })
	return nil
}

// checkXRay verifies the source parameters and power cycles it until it
// verifies or the cycle budget is spent.
func (c *Campaign) checkXRay(ctx context.Context) error {
	x := c.opts.XRay
	cfg := c.opts.Config.XRay
	err := x.VerifyParameters(cfg.VoltageKV, cfg.CurrentMA)
	if err == nil {
		return nil
	}
	c.log.Warnf("xray verification failed: %v", err)

	for i := 1; i <= cfg.MaxPowerCycles; i++ {
		c.log.Infof("xray power cycle %d/%d", i, cfg.MaxPowerCycles)
		c.event("xray", "power_cycle", strconv.Itoa(i))
		if c.opts.Metrics != nil {
			c.opts.Metrics.XRayPowerCycles.Inc()
		}
		if offErr := x.Off(); offErr != nil {
			c.log.Warnf("xray off: %v", offErr)
		}
		c.update(func(s *model.CampaignState) { s.XRayOn = false })
		if err := c.sleep(ctx, time.Duration(cfg.PowerCycleWaitS)*time.Second); err != nil {
			return err
		}
		if resetErr := x.Reset(); resetErr != nil {
			c.log.Warnf("xray reset: %v", resetErr)
		}
		if err = c.startXRay(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnf("xray start: %v", err)
			continue
		}
		if err = x.VerifyParameters(cfg.VoltageKV, cfg.CurrentMA); err == nil {
			c.log.Infof("xray recovered after %d power cycles", i)
			return nil
		}
		c.log.Warnf("xray verification failed: %v", err)
	}
	return fmt.Errorf("%w: %d power cycles: %v", ErrXRayUnrecoverable, cfg.MaxPowerCycles, err)
}

// powerDown switches the device supply and the X-ray source off and
// terminates the watchdogs. The three are independent and run
// concurrently; every error is reported.
func (c *Campaign) powerDown(ctx context.Context) error {
	var (
		g       errgroup.Group
		supply  error
		xray    error
		stopErr error
	)
	g.Go(func() error {
		supply = c.opts.Supply.PowerOff(ctx)
		return nil
	})
	if c.opts.Def.XRay && c.opts.XRay != nil {
		g.Go(func() error {
			xray = c.opts.XRay.Off()
			return nil
		})
	}
	g.Go(func() error {
		stopErr = c.opts.Supervisor.Stop()
		return nil
	})
	_ = g.Wait()

	c.update(func(s *model.CampaignState) {
		if supply == nil {
			s.DevicePowered = false
		}
		if xray == nil {
			s.XRayOn = false
		}
	})
	var errs []error
	if supply != nil {
		errs = append(errs, fmt.Errorf("device power off: %w", supply))
	}
	if xray != nil {
		errs = append(errs, fmt.Errorf("xray off: %w", xray))
	}
	if stopErr != nil {
		errs = append(errs, fmt.Errorf("stop watchdogs: %w", stopErr))
	}
	return errors.Join(errs...)
}
