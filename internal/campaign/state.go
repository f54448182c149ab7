package campaign

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/croc_campaign/internal/model"
	yamlutil "github.com/msageha/croc_campaign/internal/yaml"
)

// StatePath is where the campaign state lives inside campaignDir.
func StatePath(campaignDir string) string {
	return filepath.Join(campaignDir, "state", "campaign.yaml")
}

var validateState = yamlutil.HeaderValidator(model.FileTypeCampaignState)

// LoadState reads the persisted state. ok is false when there is none. A
// corrupted file is quarantined and its backup restored when usable.
func LoadState(campaignDir string) (st model.CampaignState, ok bool, err error) {
	path := StatePath(campaignDir)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("read campaign state: %w", err)
	}
	if err := decodeState(data, &st); err == nil {
		return st, true, nil
	}

	restored, err := yamlutil.Recover(campaignDir, path, validateState)
	if err != nil {
		return st, false, err
	}
	if !restored {
		return model.CampaignState{}, false, nil
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return st, false, fmt.Errorf("read restored campaign state: %w", err)
	}
	if err := decodeState(data, &st); err != nil {
		return model.CampaignState{}, false, err
	}
	return st, true, nil
}

func decodeState(data []byte, st *model.CampaignState) error {
	if err := validateState(data); err != nil {
		return err
	}
	return yamlv3.Unmarshal(data, st)
}

func SaveState(campaignDir string, st model.CampaignState) error {
	path := StatePath(campaignDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return yamlutil.WriteDocument(path, model.FileTypeCampaignState, st)
}
