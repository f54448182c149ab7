package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file to <campaignDir>/quarantine and returns
// its new path.
func Quarantine(campaignDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(campaignDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path+".bak" back over path if the backup passes
// validate.
func RestoreFromBackup(filePath string, validate Validator) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if validate == nil {
		validate = validateYAML
	}
	if err := validate(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupted file and restores its backup when one is
// usable. restored is false when the caller must start from a fresh document.
func Recover(campaignDir, filePath string, validate Validator) (restored bool, err error) {
	if _, err := Quarantine(campaignDir, filePath); err != nil {
		return false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, validate); err != nil {
		return false, nil
	}
	return true, nil
}
