// Package templates embeds the default configuration and contract files.
package templates

import "embed"

//go:embed config.yaml factory-contract.yaml
var FS embed.FS
