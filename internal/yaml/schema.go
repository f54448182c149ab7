package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/croc_campaign/internal/model"
)

const CurrentSchemaVersion = 1

// Header is the leading block every campaign-owned YAML file carries.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

var knownFileTypes = map[string]bool{
	model.FileTypeTaskCatalog:   true,
	model.FileTypeCampaignState: true,
}

// ReadHeader parses and checks the header of content. An empty fileType
// accepts any known type.
func ReadHeader(content []byte, fileType string) (Header, error) {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return h, fmt.Errorf("parse yaml: %w", err)
	}
	switch {
	case h.SchemaVersion < 1:
		return h, fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return h, fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return h, fmt.Errorf("missing file_type")
	case !knownFileTypes[h.FileType]:
		return h, fmt.Errorf("unknown file_type: %q", h.FileType)
	case fileType != "" && h.FileType != fileType:
		return h, fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, fileType)
	}
	return h, nil
}

func ValidateSchemaHeaderFromBytes(content []byte, fileType string) error {
	_, err := ReadHeader(content, fileType)
	return err
}

// ValidateFile checks the header of the file at path.
func ValidateFile(path, fileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, fileType)
}

// HeaderValidator rejects documents that are not of fileType.
func HeaderValidator(fileType string) Validator {
	return func(content []byte) error {
		return ValidateSchemaHeaderFromBytes(content, fileType)
	}
}

// WriteDocument marshals v and atomically replaces path, refusing to write
// anything whose header is not fileType.
func WriteDocument(path, fileType string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteFileAtomic(path, content, HeaderValidator(fileType))
}
