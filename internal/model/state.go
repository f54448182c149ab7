package model

// CampaignState is persisted to state/campaign.yaml and mutated only by the
// campaign loop.
type CampaignState struct {
	SchemaVersion   int            `yaml:"schema_version" json:"schema_version"`
	FileType        string         `yaml:"file_type" json:"file_type"`
	CampaignID      string         `yaml:"campaign_id" json:"campaign_id"`
	Campaign        string         `yaml:"campaign" json:"campaign"`
	Status          CampaignStatus `yaml:"status" json:"status"`
	StartedAt       string         `yaml:"started_at" json:"started_at"`
	LastMainAt      *string        `yaml:"last_main_at" json:"last_main_at,omitempty"`
	MainRepetitions int            `yaml:"main_repetitions" json:"main_repetitions"`
	BaseIterations  int            `yaml:"base_iterations" json:"base_iterations"`
	CurrentTask     string         `yaml:"current_task,omitempty" json:"current_task,omitempty"`
	DevicePowered   bool           `yaml:"device_powered" json:"device_powered"`
	XRayOn          bool           `yaml:"xray_on" json:"xray_on"`
	FatalReason     *string        `yaml:"fatal_reason,omitempty" json:"fatal_reason,omitempty"`
	UpdatedAt       string         `yaml:"updated_at" json:"updated_at"`
}

const (
	FileTypeCampaignState = "state_campaign"
	FileTypeTaskCatalog   = "task_catalog"
)
