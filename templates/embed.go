// Package templates embeds the default configuration and example queue files.
package templates

import "embed"

//go:embed config.yaml queues
var FS embed.FS
