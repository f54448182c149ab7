package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestQuarantine(t *testing.T) {
	campaignDir := t.TempDir()
	filePath := filepath.Join(campaignDir, "campaign.yaml")

	if err := os.WriteFile(filePath, []byte("corrupted: [\n"), 0644); err != nil {
		t.Fatal(err)
	}

	dst, err := Quarantine(campaignDir, filePath)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	name := filepath.Base(dst)
	if !strings.HasPrefix(name, "campaign.yaml.") || !strings.HasSuffix(name, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", name)
	}
	if filepath.Dir(dst) != filepath.Join(campaignDir, "quarantine") {
		t.Errorf("quarantined into %s", filepath.Dir(dst))
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "campaign.yaml")

	valid := []byte("schema_version: 1\nfile_type: state_campaign\ncampaign: irradiation\n")
	if err := os.WriteFile(filePath+".bak", valid, 0644); err != nil {
		t.Fatal(err)
	}

	if err := RestoreFromBackup(filePath, nil); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var header Header
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if header.FileType != "state_campaign" {
		t.Errorf("file_type: got %q", header.FileType)
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	dir := t.TempDir()
	if err := RestoreFromBackup(filepath.Join(dir, "campaign.yaml"), nil); err == nil {
		t.Error("expected error when no backup exists")
	}
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "campaign.yaml")
	if err := os.WriteFile(filePath+".bak", []byte(":\n  broken: [\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RestoreFromBackup(filePath, nil); err == nil {
		t.Error("expected error when backup is also corrupted")
	}
}

func TestRecover(t *testing.T) {
	t.Run("with backup", func(t *testing.T) {
		campaignDir := t.TempDir()
		filePath := filepath.Join(campaignDir, "campaign.yaml")
		os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)
		os.WriteFile(filePath+".bak", []byte("schema_version: 1\nfile_type: state_campaign\n"), 0644)

		restored, err := Recover(campaignDir, filePath, nil)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if !restored {
			t.Fatal("expected restore from backup")
		}
		if err := ValidateFile(filePath, "state_campaign"); err != nil {
			t.Errorf("restored file invalid: %v", err)
		}
		entries, _ := os.ReadDir(filepath.Join(campaignDir, "quarantine"))
		if len(entries) != 1 {
			t.Errorf("expected 1 quarantined file, got %d", len(entries))
		}
	})

	t.Run("without backup", func(t *testing.T) {
		campaignDir := t.TempDir()
		filePath := filepath.Join(campaignDir, "campaign.yaml")
		os.WriteFile(filePath, []byte("corrupted: [\n"), 0644)

		restored, err := Recover(campaignDir, filePath, nil)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if restored {
			t.Error("nothing to restore from")
		}
		if _, err := os.Stat(filePath); !os.IsNotExist(err) {
			t.Error("corrupted file should have been moved away")
		}
	})
}
