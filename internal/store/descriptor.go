package store

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ResolveTOMLPath finds the chip configuration file referenced by the first
// CROC element's configfile attribute in an XML hardware descriptor.
// The DAQ opens that path from its own working directory, so a relative
// value is joined to workDir. An empty workDir leaves it unchanged.
func ResolveTOMLPath(xmlPath, workDir string) (string, error) {
	f, err := os.Open(xmlPath)
	if err != nil {
		return "", fmt.Errorf("open descriptor: %w", err)
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("descriptor %s: no CROC element", xmlPath)
		}
		if err != nil {
			return "", fmt.Errorf("parse descriptor %s: %w", xmlPath, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "CROC" {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Local == "configfile" {
				if a.Value == "" {
					break
				}
				if filepath.IsAbs(a.Value) || workDir == "" {
					return a.Value, nil
				}
				return filepath.Join(workDir, a.Value), nil
			}
		}
		return "", fmt.Errorf("descriptor %s: CROC element has no configfile attribute", xmlPath)
	}
}

// Open resolves the descriptor against workDir and loads the TOML document
// it points to.
func Open(xmlPath, workDir string) (*Document, error) {
	path, err := ResolveTOMLPath(xmlPath, workDir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}
