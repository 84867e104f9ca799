package main

import (
	"fmt"
	"strings"

	"github.com/ongoingai/airelay/internal/config"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func configError(stage string, err error) error {
	if stage == configStageLoad {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return fmt.Errorf("config is invalid: %w", err)
}

func bedrockConfigured(cfg config.Config) bool {
	bedrock := cfg.Providers.Bedrock
	return strings.TrimSpace(bedrock.Region) != "" ||
		strings.TrimSpace(bedrock.RuntimeEndpoint) != "" ||
		strings.TrimSpace(bedrock.AgentEndpoint) != ""
}

func azureConfigured(cfg config.Config) bool {
	return strings.TrimSpace(cfg.Providers.Azure.Endpoint) != ""
}

// configuredProviderSummaries lists "name prefix -> upstream" for the startup log.
func configuredProviderSummaries(cfg config.Config) []string {
	summaries := make([]string, 0, 2)
	if azureConfigured(cfg) {
		summaries = append(summaries, fmt.Sprintf("azure %s -> %s", cfg.Providers.Azure.Prefix, cfg.Providers.Azure.Endpoint))
	}
	if bedrockConfigured(cfg) {
		upstream := cfg.Providers.Bedrock.RuntimeEndpoint
		if upstream == "" {
			upstream = "region " + cfg.Providers.Bedrock.Region
		}
		summaries = append(summaries, fmt.Sprintf("bedrock %s -> %s", cfg.Providers.Bedrock.Prefix, upstream))
	}
	return summaries
}
