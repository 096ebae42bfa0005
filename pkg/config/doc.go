// Package config aggregates the configuration of every harness component
// into one YAML-loadable document. Loading merges the file over defaults
// and validates the result, so a partial file only needs the fields it
// changes.
package config
