/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
This is useful for extracting configuration values from YAML/JSON structures
without verbose type assertions and nil checks.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "request_timeout": "20s",
	    "max_attempts":    3,
	    "durable":         true,
	})

	timeout := cfg.Duration("request_timeout", 10*time.Second) // 20s
	attempts := cfg.Int("max_attempts", 5)                     // 3
	durable := cfg.Bool("durable", false)                      // true
	missing := cfg.String("missing", "default")                // "default"

# Nested Sections

Sub extracts a nested map as its own Config. Missing or non-map keys
yield an empty Config, so lookups never panic:

	url := cfg.Sub("broker").String("url", "amqp://localhost:5672")

Merge layers one Config over another, merging nested maps recursively.
This is how file values override built-in defaults.

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Numeric types handle reasonable conversions:
  - int from float64 (truncated)
  - float64 from int

All methods return the default value if:
  - The key is missing
  - The value cannot be converted to the requested type
  - The conversion would lose precision (e.g., float to int with fraction)

# File Loading

Load configuration from YAML or JSON files:

	cfg, err := config.FromFile("taskflow.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	// Or load from bytes
	cfg, err = config.FromYAML(yamlBytes)
	cfg, err = config.FromJSON(jsonBytes)

ExpandEnv resolves ${VAR_NAME} placeholders in string values against
the process environment, which keeps credentials out of config files:

	cfg = cfg.ExpandEnv() // "url: ${AMQP_URL}" -> actual URL

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
