// Package templates embeds the default configuration and task catalogs
// written by `campaign setup`.
package templates

import "embed"

//go:embed config.yaml env.example catalogs
var FS embed.FS
