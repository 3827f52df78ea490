package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config holds the REPL's user-tunable settings, loaded from an optional
// YAML file (-config, defaulting to ~/.unwindctlrc if present). Every
// field has a usable zero-value default so a missing or empty config file
// is never an error.
type config struct {
	Prompt string `yaml:"prompt"`

	// MaxFrames caps how many frames backtrace walks before giving up,
	// guarding against a corrupt stack looping forever on a cache hit
	// that never reaches end-of-stack.
	MaxFrames int `yaml:"max_frames"`

	// Demangle selects whether backtrace prints a symbol's demangled
	// name (elf.Symbol.PrettyName) or its raw linker name.
	Demangle bool `yaml:"demangle"`
}

func defaultConfig() config {
	return config{
		Prompt:    "unwindctl> ",
		MaxFrames: 256,
		Demangle:  true,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("unwindctl: reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("unwindctl: parsing config %s: %w", path, err)
	}
	return cfg, nil
}
