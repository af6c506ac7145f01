// Package config loads the engine's YAML configuration with defaults for
// tiering, transactions, CDC polling and retention scheduling.
package config
