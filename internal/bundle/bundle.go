// Package bundle embeds the default script bundle shipped with the agent.
package bundle

import _ "embed"

//go:generate go run ../../cmd/bundlezip -o bundle.zip _scripts

// Bytes is the zip archive holding the entry modules (init.go, setup.go).
//
//go:embed bundle.zip
var Bytes []byte
