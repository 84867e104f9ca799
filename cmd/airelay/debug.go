package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/airelay/internal/ledger"
)

const defaultDebugFormat = "text"

type debugDocument struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	CorrelationID string           `json:"correlation_id"`
	Records       []*ledger.Record `json:"records"`
}

func newDebugCommand() *cobra.Command {
	var (
		configPath    string
		format        string
		includeBodies bool
	)
	cmd := &cobra.Command{
		Use:   "debug [correlation-id|last]",
		Short: "Show the ledger records for one relayed request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "last"
			if len(args) == 1 {
				target = strings.TrimSpace(args[0])
			}
			normalized, err := normalizeTextJSONFormat("debug", format, defaultDebugFormat)
			if err != nil {
				return err
			}

			cfg, stage, err := loadAndValidateConfig(configPath)
			if err != nil {
				return configError(stage, err)
			}
			store, err := openReportStore(cfg.Sink)
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := buildDebugDocument(cmd.Context(), store, target)
			if err != nil {
				return err
			}
			if !includeBodies {
				for _, r := range doc.Records {
					r.RequestBody = ""
					r.ResponseText = ""
				}
			}
			return writeDebug(cmd.OutOrStdout(), normalized, doc)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&format, "format", defaultDebugFormat, "Output format: text or json")
	cmd.Flags().BoolVar(&includeBodies, "include-bodies", false, "Include captured request and response text")
	return cmd
}

func buildDebugDocument(ctx context.Context, store *ledger.SQLStore, target string) (debugDocument, error) {
	doc := debugDocument{GeneratedAt: time.Now().UTC(), CorrelationID: target}
	if target == "" || target == "last" {
		latest, err := store.Recent(ctx, ledger.Filter{Limit: 1})
		if err != nil {
			return debugDocument{}, err
		}
		if len(latest) == 0 {
			return debugDocument{}, errors.New("ledger has no records")
		}
		if latest[0].CorrelationID == "" {
			// Nothing to join on, and Recent does not carry bodies.
			doc.CorrelationID = ""
			doc.Records = latest
			return doc, nil
		}
		doc.CorrelationID = latest[0].CorrelationID
	}

	records, err := store.Lookup(ctx, doc.CorrelationID)
	if err != nil {
		return debugDocument{}, err
	}
	if len(records) == 0 {
		return debugDocument{}, fmt.Errorf("no ledger records for correlation id %q", doc.CorrelationID)
	}
	doc.Records = records
	return doc, nil
}

func writeDebug(out io.Writer, format string, doc debugDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	fmt.Fprintln(out, "airelay debug")
	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Correlation id\t%s\n", nonEmpty(doc.CorrelationID, "(none)"))
	fmt.Fprintf(meta, "Records\t%d\n", len(doc.Records))
	if err := meta.Flush(); err != nil {
		return err
	}

	for i, r := range doc.Records {
		fmt.Fprintf(out, "\nRecord %d: %s\n", i+1, r.ID)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Time\t%s\n", r.Timestamp.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Provider\t%s\n", r.Provider)
		fmt.Fprintf(w, "Operation\t%s\n", r.Operation)
		fmt.Fprintf(w, "Model\t%s\n", nonEmpty(r.ModelID, "(unknown)"))
		fmt.Fprintf(w, "Streaming\t%t\n", r.Streaming)
		fmt.Fprintf(w, "Status\t%d\n", r.Status)
		fmt.Fprintf(w, "Tokens\t%d prompt / %d completion / %d total\n", r.PromptTokens, r.CompletionTokens, r.TotalTokens)
		fmt.Fprintf(w, "Duration\t%d ms (first byte %d ms)\n", r.DurationMS, r.TimeToFirstByteMS)
		fmt.Fprintf(w, "Response bytes\t%d\n", r.ResponseBytes)
		fmt.Fprintf(w, "Error\t%s\n", nonEmpty(r.ErrorKind, "-"))
		if r.Degraded > 0 || r.Dropped > 0 {
			fmt.Fprintf(w, "Degraded / dropped\t%d / %d\n", r.Degraded, r.Dropped)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if r.RequestBody != "" {
			fmt.Fprintf(out, "Request body%s:\n%s\n", truncatedMark(r.RequestBodyTruncated), r.RequestBody)
		}
		if r.ResponseText != "" {
			fmt.Fprintf(out, "Response text%s:\n%s\n", truncatedMark(r.ResponseTextTruncated), r.ResponseText)
		}
	}
	return nil
}

func truncatedMark(truncated bool) string {
	if truncated {
		return " (truncated)"
	}
	return ""
}
