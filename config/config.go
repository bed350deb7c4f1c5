// Package config provides YAML configuration parsing for Rosterboard.
//
// Example configuration:
//
//	title: Student Roster
//	port: 3000
//	roster_file: database.json
//	upload_dir: upload
//	max_upload_size: 50MB
//	log_level: info
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Parse] when a field is unset.
const (
	DefaultPort       = 3000
	DefaultRosterFile = "database.json"
	DefaultUploadDir  = "upload"

	// DefaultMaxUploadSize caps the multipart upload body at 50 MB.
	DefaultMaxUploadSize = Size(50 << 20)
)

// Config is the root configuration structure for Rosterboard.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the page title. Defaults to "Rosterboard" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 3000.
	Port int `yaml:"port"`

	// RosterFile is the path of the persisted JSON collection.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	// Defaults to "database.json".
	RosterFile string `yaml:"roster_file"`

	// UploadDir is the directory holding attached documents.
	// Supports environment variable substitution.
	// Defaults to "upload".
	UploadDir string `yaml:"upload_dir"`

	// MaxUploadSize caps the multipart upload body.
	// Accepts size strings like "50MB", "512KB", or a raw byte count.
	// Defaults to 50MB.
	MaxUploadSize Size `yaml:"max_upload_size"`

	// LogLevel is one of "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// Size wraps a byte count for YAML unmarshalling of strings like "50MB".
type Size int64

// sizePattern matches a number with an optional B/KB/MB/GB suffix.
var sizePattern = regexp.MustCompile(`^(\d+)\s*(?i:(KB|MB|GB|B))?$`)

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	matches := sizePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if matches == nil {
		return fmt.Errorf("invalid size %q (expected forms: 1048576, 512KB, 50MB, 1GB)", raw)
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}

	switch strings.ToUpper(matches[2]) {
	case "KB":
		n <<= 10
	case "MB":
		n <<= 20
	case "GB":
		n <<= 30
	}

	*s = Size(n)
	return nil
}

// Bytes returns the size as an int64 byte count.
func (s Size) Bytes() int64 {
	return int64(s)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in RosterFile and UploadDir.
// Defaults are applied for every unset field.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RosterFile == "" {
		cfg.RosterFile = DefaultRosterFile
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	expanded, err := expandEnvVars(c.RosterFile)
	if err != nil {
		return fmt.Errorf("roster_file: %w", err)
	}
	c.RosterFile = expanded

	expanded, err = expandEnvVars(c.UploadDir)
	if err != nil {
		return fmt.Errorf("upload_dir: %w", err)
	}
	c.UploadDir = expanded

	if c.MaxUploadSize < 0 {
		return fmt.Errorf("max_upload_size cannot be negative, got %d", c.MaxUploadSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
