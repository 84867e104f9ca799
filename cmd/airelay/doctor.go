package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/credentials"
	"github.com/ongoingai/airelay/internal/ledger"
	"github.com/ongoingai/airelay/internal/pathutil"
	"github.com/ongoingai/airelay/internal/upstream"
)

const (
	defaultDoctorFormat = "text"
	doctorCheckTimeout  = 5 * time.Second
)

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

var newCredentialSource = credentials.NewSource

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

// errDoctorFailed makes the command exit non-zero after the report is printed.
var errDoctorFailed = errors.New("doctor found failing checks")

func newDoctorCommand() *cobra.Command {
	var configPath, format string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, ledger storage, routes and AWS credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalized, err := normalizeTextJSONFormat("doctor", format, defaultDoctorFormat)
			if err != nil {
				return err
			}
			doc := buildDoctorDocument(cmd.Context(), strings.TrimSpace(configPath))
			if err := writeDoctor(cmd.OutOrStdout(), normalized, doc); err != nil {
				return fmt.Errorf("failed to write doctor output: %w", err)
			}
			if doc.OverallStatus == doctorStatusFail {
				cmd.SilenceErrors = true
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&format, "format", defaultDoctorFormat, "Output format: text or json")
	return cmd
}

func buildDoctorDocument(ctx context.Context, configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary := "config is invalid"
		reason := "skipped: config validation failed"
		if stage == configStageLoad {
			summary = "failed to load config"
			reason = "skipped: config failed to load"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{Name: "config", Status: doctorStatusFail, Summary: summary, Details: []string{err.Error()}},
			doctorSkippedCheck("ledger", reason),
			doctorSkippedCheck("routes", reason),
			doctorSkippedCheck("aws_credentials", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks,
		doctorCheck{
			Name:    "config",
			Status:  doctorStatusPass,
			Summary: "loaded and validated configuration",
			Details: []string{fmt.Sprintf("config path: %s", configPath)},
		},
		runDoctorLedgerCheck(ctx, cfg),
		runDoctorRouteCheck(cfg),
		runDoctorCredentialsCheck(ctx, cfg),
	)
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{Name: name, Status: doctorStatusSkip, Summary: summary}
}

func runDoctorLedgerCheck(ctx context.Context, cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "ledger"}
	if cfg.Sink.Driver == config.SinkDriverNone {
		check.Status = doctorStatusWarn
		check.Summary = "ledger is disabled; usage records are discarded"
		return check
	}

	checkCtx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()
	store, err := openLedgerStore(checkCtx, cfg.Sink)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize ledger storage"
		check.Details = []string{err.Error()}
		return check
	}
	if sqlStore, ok := store.(*ledger.SQLStore); ok {
		if err := sqlStore.DB().PingContext(checkCtx); err != nil {
			check.Status = doctorStatusFail
			check.Summary = "ledger storage connectivity check failed"
			check.Details = []string{err.Error()}
			_ = store.Close()
			return check
		}
	}

	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("connected to %s ledger", cfg.Sink.Driver)
	switch cfg.Sink.Driver {
	case config.SinkDriverSQLite:
		path := cfg.Sink.Path
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case config.SinkDriverRedis:
		check.Details = []string{fmt.Sprintf("stream: %s", cfg.Sink.Redis.Stream)}
	}
	if err := store.Close(); err != nil {
		check.Status = doctorStatusWarn
		check.Summary = "ledger connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close ledger store: %v", err))
	}
	return check
}

func runDoctorRouteCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "routes"}

	azurePrefix := pathutil.NormalizePrefix(cfg.Providers.Azure.Prefix)
	bedrockPrefix := pathutil.NormalizePrefix(cfg.Providers.Bedrock.Prefix)
	if azurePrefix == "/" || bedrockPrefix == "/" {
		check.Status = doctorStatusFail
		check.Summary = "provider prefixes must not be root ('/')"
		check.Details = []string{fmt.Sprintf("azure=%q bedrock=%q", azurePrefix, bedrockPrefix)}
		return check
	}
	if prefixesOverlap(azurePrefix, bedrockPrefix) {
		check.Status = doctorStatusFail
		check.Summary = "provider route prefixes overlap"
		check.Details = []string{fmt.Sprintf("azure=%q bedrock=%q", azurePrefix, bedrockPrefix)}
		return check
	}
	for name, path := range reservedPaths(cfg) {
		if prefixesOverlap(azurePrefix, path) || prefixesOverlap(bedrockPrefix, path) {
			check.Status = doctorStatusFail
			check.Summary = fmt.Sprintf("provider prefixes overlap the %s route", name)
			check.Details = []string{fmt.Sprintf("azure=%q bedrock=%q %s=%q", azurePrefix, bedrockPrefix, name, path)}
			return check
		}
	}

	if _, err := upstream.NewResolver(upstream.Endpoints{
		AzurePrefix:            cfg.Providers.Azure.Prefix,
		AzureEndpoint:          cfg.Providers.Azure.Endpoint,
		BedrockPrefix:          cfg.Providers.Bedrock.Prefix,
		BedrockRegion:          cfg.Providers.Bedrock.Region,
		BedrockRuntimeEndpoint: cfg.Providers.Bedrock.RuntimeEndpoint,
		BedrockAgentEndpoint:   cfg.Providers.Bedrock.AgentEndpoint,
	}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to build provider routes"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "provider route wiring looks valid"
	check.Details = configuredProviderSummaries(cfg)
	return check
}

func reservedPaths(cfg config.Config) map[string]string {
	paths := map[string]string{"health": "/health"}
	if cfg.Observability.Prometheus.Enabled {
		paths["metrics"] = cfg.Observability.Prometheus.Path
	}
	if cfg.Feed.Enabled {
		paths["feed"] = cfg.Feed.Path
	}
	return paths
}

func runDoctorCredentialsCheck(ctx context.Context, cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "aws_credentials"}
	if !bedrockConfigured(cfg) {
		check.Status = doctorStatusSkip
		check.Summary = "bedrock is not configured"
		return check
	}

	checkCtx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()
	bedrock := cfg.Providers.Bedrock
	source, err := newCredentialSource(checkCtx, credentials.SourceOptions{
		Region:       bedrock.Region,
		RoleARN:      bedrock.RoleARN,
		SessionName:  bedrock.RoleSessionName,
		RoleDuration: time.Duration(bedrock.RoleDurationSeconds) * time.Second,
	})
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to build aws credential source"
		check.Details = []string{err.Error()}
		return check
	}
	creds, err := source.Retrieve(checkCtx)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to retrieve aws credentials"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "aws credentials resolved"
	check.Details = []string{fmt.Sprintf("source: %s", nonEmpty(creds.Source, "unknown"))}
	if bedrock.RoleARN != "" {
		check.Details = append(check.Details, fmt.Sprintf("assumed role: %s", bedrock.RoleARN))
	}
	if creds.CanExpire {
		remaining := time.Until(creds.Expires).Round(time.Second)
		check.Details = append(check.Details, fmt.Sprintf("expires in: %s", remaining))
		if remaining <= time.Duration(bedrock.RefreshAheadSeconds)*time.Second {
			check.Status = doctorStatusWarn
			check.Summary = "aws credentials expire within the refresh window"
		}
	}
	return check
}

func prefixesOverlap(left, right string) bool {
	left = pathutil.NormalizePrefix(left)
	right = pathutil.NormalizePrefix(right)
	return pathutil.HasPathPrefix(left, right) || pathutil.HasPathPrefix(right, left)
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	fmt.Fprintln(out, "airelay doctor")
	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
