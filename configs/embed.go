// Package configs provides the embedded configuration template.
//
// The template is embedded at build time with go:embed so it ships in
// every distribution. It is written by `fhirsearch config init`.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration. Every value
// in it matches the built-in defaults.
//
//go:embed config.example.yaml
var ConfigTemplate string
