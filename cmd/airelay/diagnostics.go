package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/version"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTimeout = 5 * time.Second
)

// healthDocument mirrors the /health response of a running relay.
type healthDocument struct {
	Status    string       `json:"status"`
	Message   string       `json:"message"`
	Version   version.Info `json:"version"`
	UptimeSec int64        `json:"uptime_sec"`
	Ledger    *struct {
		QueueDepth    int              `json:"queue_depth"`
		QueueCapacity int              `json:"queue_capacity"`
		Pressure      string           `json:"pressure"`
		Rejected      int64            `json:"rejected"`
		WriteFailed   int64            `json:"write_failed"`
		Failures      map[string]int64 `json:"failures_by_class,omitempty"`
	} `json:"ledger,omitempty"`
}

func newDiagnosticsCommand() *cobra.Command {
	var configPath, baseURL, format string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Read ledger queue health from a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalized, err := normalizeTextJSONFormat("diagnostics", format, defaultDiagnosticsFormat)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				return fmt.Errorf("invalid diagnostics timeout %q: must be greater than 0", timeout.String())
			}
			resolved, err := resolveDiagnosticsBaseURL(strings.TrimSpace(configPath), strings.TrimSpace(baseURL))
			if err != nil {
				return fmt.Errorf("failed to resolve diagnostics endpoint: %w", err)
			}
			document, err := fetchHealth(cmd.Context(), resolved, timeout)
			if err != nil {
				return fmt.Errorf("failed to read diagnostics: %w", err)
			}
			if err := writeDiagnostics(cmd.OutOrStdout(), normalized, document, resolved); err != nil {
				return fmt.Errorf("failed to write diagnostics output: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Relay base URL (defaults to value derived from config)")
	cmd.Flags().StringVar(&format, "format", defaultDiagnosticsFormat, "Output format: text or json")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")
	return cmd
}

func resolveDiagnosticsBaseURL(configPath, baseURL string) (string, error) {
	if baseURL == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		baseURL = relayBaseURL(cfg)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.New("base URL must include http or https scheme")
	}
	if parsed.Host == "" {
		return "", errors.New("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

// relayBaseURL maps wildcard listen hosts to loopback.
func relayBaseURL(cfg config.Config) string {
	host := strings.TrimSpace(cfg.Server.Host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func fetchHealth(ctx context.Context, baseURL string, timeout time.Duration) (healthDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return healthDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return healthDocument{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return healthDocument{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		var payload struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
			message = payload.Detail
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return healthDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}

	var document healthDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return healthDocument{}, fmt.Errorf("decode response: %w", err)
	}
	if document.Status == "" {
		return healthDocument{}, errors.New("missing status in health response")
	}
	return document, nil
}

func writeDiagnostics(out io.Writer, format string, document healthDocument, baseURL string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}

	fmt.Fprintln(out, "airelay diagnostics")
	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Source\t%s/health\n", baseURL)
	fmt.Fprintf(meta, "Status\t%s\n", strings.ToUpper(document.Status))
	fmt.Fprintf(meta, "Version\t%s\n", nonEmpty(document.Version.Version, "(unknown)"))
	fmt.Fprintf(meta, "Uptime\t%s\n", (time.Duration(document.UptimeSec) * time.Second).String())
	if err := meta.Flush(); err != nil {
		return err
	}

	if document.Ledger == nil {
		fmt.Fprintln(out, "\nLedger\n(disabled)")
		return nil
	}
	fmt.Fprintln(out, "\nLedger")
	ledger := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(ledger, "Pressure\t%s\n", strings.ToUpper(document.Ledger.Pressure))
	fmt.Fprintf(ledger, "Queue depth\t%d\n", document.Ledger.QueueDepth)
	fmt.Fprintf(ledger, "Queue capacity\t%d\n", document.Ledger.QueueCapacity)
	fmt.Fprintf(ledger, "Rejected total\t%d\n", document.Ledger.Rejected)
	fmt.Fprintf(ledger, "Write failed total\t%d\n", document.Ledger.WriteFailed)
	classes := make([]string, 0, len(document.Ledger.Failures))
	for class := range document.Ledger.Failures {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(ledger, "Failures (%s)\t%d\n", class, document.Ledger.Failures[class])
	}
	return ledger.Flush()
}
