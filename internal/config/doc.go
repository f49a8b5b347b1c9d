// Package config provides configuration loading and validation for the live translator.
// It handles YAML-based configuration with per-section validation and fills
// missing credentials from the environment.
package config
