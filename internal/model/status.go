package model

// Health is the last-known signal of a supervised watchdog process.
type Health int

const (
	HealthHealthy Health = iota
	HealthUnreachable
	HealthOutOfBounds
	HealthFatal
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnreachable:
		return "unreachable"
	case HealthOutOfBounds:
		return "out_of_bounds"
	case HealthFatal:
		return "fatal_unrecoverable"
	default:
		return "unknown"
	}
}

// Watchdog program exit codes. Anything else is treated as unreachable.
const (
	ExitUnreachable = 1
	ExitOutOfBounds = 2
)

// ExitFatal is the campaign binary's exit code after an escalated shutdown.
const ExitFatal = 3

type CampaignStatus string

const (
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusStopped   CampaignStatus = "stopped"
	CampaignStatusFatal     CampaignStatus = "fatal"
)

var terminalCampaignStatuses = map[CampaignStatus]bool{
	CampaignStatusCompleted: true,
	CampaignStatusStopped:   true,
	CampaignStatusFatal:     true,
}

func IsTerminalCampaignStatus(s CampaignStatus) bool {
	return terminalCampaignStatuses[s]
}
