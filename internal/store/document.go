// Package store reads and rewrites the chip's TOML configuration: the
// table/key document the DAQ loads on every run.
package store

import (
	"fmt"
	"os"
	"sort"

	toml "github.com/pelletier/go-toml/v2"

	yamlutil "github.com/msageha/croc_campaign/internal/yaml"
)

// Document is a TOML file held fully in memory. It is not safe for
// concurrent use; the sweep loop is its only writer.
type Document struct {
	path string
	data map[string]any
}

func Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config store %s: %w", path, err)
	}
	data := map[string]any{}
	if err := toml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse config store %s: %w", path, err)
	}
	return &Document{path: path, data: data}, nil
}

func (d *Document) Path() string { return d.path }

func (d *Document) table(name string) (map[string]any, bool) {
	t, ok := d.data[name].(map[string]any)
	return t, ok
}

func (d *Document) HasTable(name string) bool {
	_, ok := d.table(name)
	return ok
}

func (d *Document) Get(table, key string) (any, bool) {
	t, ok := d.table(table)
	if !ok {
		return nil, false
	}
	v, ok := t[key]
	return v, ok
}

// Set writes table.key, creating the table when it does not exist yet.
func (d *Document) Set(table, key string, value any) error {
	raw, exists := d.data[table]
	if !exists {
		d.data[table] = map[string]any{key: value}
		return nil
	}
	t, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("config store %s: %q is not a table", d.path, table)
	}
	t[key] = value
	return nil
}

func (d *Document) Delete(table, key string) {
	if t, ok := d.table(table); ok {
		delete(t, key)
	}
}

// RemoveTableIfEmpty drops a table that holds no keys.
func (d *Document) RemoveTableIfEmpty(table string) {
	if t, ok := d.table(table); ok && len(t) == 0 {
		delete(d.data, table)
	}
}

func (d *Document) Tables() []string {
	names := make([]string, 0, len(d.data))
	for k, v := range d.data {
		if _, ok := v.(map[string]any); ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Save rewrites the whole document atomically.
func (d *Document) Save() error {
	content, err := toml.Marshal(d.data)
	if err != nil {
		return fmt.Errorf("marshal config store: %w", err)
	}
	if err := yamlutil.WriteFileAtomic(d.path, content, validateTOML); err != nil {
		return fmt.Errorf("write config store %s: %w", d.path, err)
	}
	return nil
}

func validateTOML(content []byte) error {
	var v map[string]any
	return toml.Unmarshal(content, &v)
}
