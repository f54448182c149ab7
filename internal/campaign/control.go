package campaign

import (
	"maps"

	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/uds"
)

// StatusReport is the payload of the status command.
type StatusReport struct {
	State         model.CampaignState `json:"state"`
	Watchdogs     map[string]string   `json:"watchdogs,omitempty"`
	StopRequested bool                `json:"stop_requested"`
}

func (c *Campaign) Status() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusReport{
		State:         c.state,
		Watchdogs:     maps.Clone(c.health),
		StopRequested: c.stopRequested.Load(),
	}
}

// Register installs the status and stop handlers on the control socket.
func (c *Campaign) Register(s *uds.Server) {
	s.Handle(uds.CommandStatus, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(c.Status())
	})
	s.Handle(uds.CommandStop, func(*uds.Request) *uds.Response {
		if !c.RequestStop() {
			return uds.ErrorResponse(uds.ErrCodeAlreadyStopping, "stop already requested")
		}
		c.log.Infof("stop requested via control socket")
		return uds.SuccessResponse(map[string]bool{"stopping": true})
	})
}
