// Package config loads the agent configuration: command line options parsed
// with pflag and a configuration file in YAML, TOML, JSON (comments allowed)
// or the legacy "key value" line format, selected by file extension.
package config
