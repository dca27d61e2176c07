package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. With an explicit path only that
// file is read and it must exist; with an empty path the standard layers
// are merged in order, each overriding the previous, and missing layers
// are skipped:
//
//	/etc/llmos/llmos.yaml < ~/.config/llmos/llmos.yaml < ./llmos.yaml < $LLMOS_CONFIG
//
// Environment variables are applied last, then the result is validated.
func Load(explicitPath string) (*Config, error) {
	cfg := Defaults()

	type layer struct {
		path     string
		required bool
	}

	var layers []layer
	if explicitPath != "" {
		layers = []layer{{path: explicitPath, required: true}}
	} else {
		layers = append(layers, layer{path: "/etc/llmos/llmos.yaml"})
		if home, err := os.UserHomeDir(); err == nil {
			layers = append(layers, layer{path: filepath.Join(home, ".config", "llmos", "llmos.yaml")})
		}
		layers = append(layers, layer{path: "llmos.yaml"})
		if env := os.Getenv("LLMOS_CONFIG"); env != "" {
			layers = append(layers, layer{path: env, required: true})
		}
	}

	for _, l := range layers {
		err := mergeFile(cfg, l.path)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && !l.required:
			continue
		default:
			return nil, fmt.Errorf("config %s: %w", l.path, err)
		}
		slog.Debug("config layer merged", "path", l.path)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeFile decodes one YAML layer on top of cfg. ${VAR} references in the
// file body are expanded from the environment before parsing.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("ignoring non-numeric env override", "var", key, "value", v)
			}
		}
	}

	setStr(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")

	setStr(&cfg.LLM.Ollama.URL, "OLLAMA_URL")
	setStr(&cfg.LLM.Ollama.Model, "OLLAMA_MODEL")
	setStr(&cfg.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setStr(&cfg.LLM.Anthropic.Model, "CLAUDE_MODEL")
	setStr(&cfg.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&cfg.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setStr(&cfg.LLM.OpenAI.Model, "OPENAI_MODEL")

	if v := os.Getenv("DOCKER_ENABLED"); v != "" {
		cfg.Docker.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	setStr(&cfg.Docker.Host, "DOCKER_HOST")
	setInt(&cfg.Docker.PortStart, "DOCKER_PORT_START")
	setInt(&cfg.Docker.PortEnd, "DOCKER_PORT_END")
	setInt(&cfg.Docker.MaxContainers, "DOCKER_MAX_CONTAINERS")

	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	setInt(&cfg.Scheduler.DeferMinutes, "SCHEDULER_DEFER_MINUTES")
	setStr(&cfg.Scheduler.Provider, "SCHEDULER_PROVIDER")
	setInt(&cfg.Scheduler.DailyBudget, "SCHEDULER_DAILY_BUDGET")
	setInt(&cfg.Scheduler.MaxRegistry, "SCHEDULER_MAX_REGISTRY")
}

// ExpandHome resolves a "~/" prefix against the current user's home
// directory. Anything else passes through untouched.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0; the kernel listens on localhost only")
	}

	if cfg.Docker.PortStart > cfg.Docker.PortEnd {
		return fmt.Errorf("docker.port_start (%d) must not exceed docker.port_end (%d)",
			cfg.Docker.PortStart, cfg.Docker.PortEnd)
	}

	if cfg.Docker.MaxContainers < 1 {
		return fmt.Errorf("docker.max_containers must be at least 1")
	}

	if cfg.Scheduler.MinInterval < time.Minute {
		cfg.Scheduler.MinInterval = time.Minute
	}

	cfg.Data.Root = ExpandHome(cfg.Data.Root)

	return nil
}
