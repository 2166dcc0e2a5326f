package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/report"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

var auditsCmd = &cobra.Command{
	Use:   "audits",
	Short: "Inspect and control audits",
	Long:  "Commands for listing, viewing, resuming, stopping and exporting audits.",
}

// -- audits list --

var auditsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		kind, _ := cmd.Flags().GetString("state")
		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")

		audits, err := st.ListAudits(ctx, store.AuditFilter{Kind: kind, CompanyID: company, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "audits list")
		}

		if len(audits) == 0 {
			fmt.Fprintln(os.Stderr, "No audits found.")
			return nil
		}

		formatAuditsList(os.Stdout, audits)
		return nil
	},
}

// -- audits show --

var auditsShowCmd = &cobra.Command{
	Use:   "show <audit-id>",
	Short: "Show an audit and its executive summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := st.GetAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show")
		}
		sum, err := st.GetExecutiveSummary(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"audit": a, "summary": sum})
	},
}

// -- audits log --

var auditsLogCmd = &cobra.Command{
	Use:   "log <audit-id>",
	Short: "Show the reprocess log of an audit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListReprocessLog(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits log")
		}
		formatReprocessLog(os.Stdout, entries)
		return nil
	},
}

// -- audits resume --

var auditsResumeCmd = &cobra.Command{
	Use:   "resume <audit-id>",
	Short: "Resume an audit from its last durable stage",
	Long:  "Runs the audit in this process from the first incomplete stage, or with --enqueue hands a resume job to the workers.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		enqueue, _ := cmd.Flags().GetBool("enqueue")

		mode := config.ModeWorker
		if enqueue {
			mode = config.ModeAdmin
		}
		env, err := initEngine(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Store.GetAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits resume")
		}
		if a.State.IsTerminal() {
			return eris.Errorf("audits resume: audit %s is %s", a.ID, a.State.Kind())
		}

		entry := model.ReprocessLogEntry{
			ID:          uuid.New().String(),
			AuditID:     a.ID,
			Attempt:     a.ReprocessCount,
			Reason:      "manual resume",
			TriggeredBy: model.TriggerManual,
			StateBefore: a.State.String(),
			CreatedAt:   time.Now().UTC(),
		}

		if enqueue {
			job := model.AuditJob{AuditID: a.ID, CompanyID: a.CompanyID, QueryCount: a.QueryCount, Source: string(model.TriggerManual)}
			if phase, ok := a.State.Phase(); ok {
				job.ResumeFromPhase = phase
			}
			jobID, err := env.Queue.Enqueue(ctx, job)
			if err != nil {
				return eris.Wrap(err, "audits resume")
			}
			entry.StateAfter = a.State.String()
			if err := env.Store.AppendReprocessLog(ctx, entry); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "enqueued resume job %s for audit %s\n", jobID, a.ID)
			return nil
		}

		after, err := env.Processor.ResumeFromLastDurableStage(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "audits resume")
		}
		entry.StateAfter = after.State.String()
		if err := env.Store.AppendReprocessLog(ctx, entry); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "audit %s: %s -> %s\n", a.ID, a.State, after.State)
		return nil
	},
}

// -- audits stop --

var auditsStopCmd = &cobra.Command{
	Use:   "stop <audit-id>",
	Short: "Ask the worker running an audit to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RequestStop(ctx, args[0]); err != nil {
			return eris.Wrap(err, "audits stop")
		}
		fmt.Fprintf(os.Stdout, "stop requested for audit %s\n", args[0])
		return nil
	},
}

// -- audits export --

var auditsExportCmd = &cobra.Command{
	Use:   "export <audit-id>",
	Short: "Export an audit report as xlsx, html or markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		doc, err := report.Load(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "audits export")
		}
		return writeReport(doc, format, out, os.Stdout)
	},
}

// writeReport renders doc in format to path, or to stdout when path is
// empty. xlsx always goes to a file.
func writeReport(doc *report.Document, format, path string, stdout io.Writer) error {
	switch format {
	case "xlsx":
		if path == "" {
			path = "audit-" + doc.Audit.ID + ".xlsx"
		}
		if err := doc.SaveXLSX(path); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", path)
		return nil
	case "html", "markdown":
		var body []byte
		if format == "html" {
			b, err := doc.HTML()
			if err != nil {
				return err
			}
			body = b
		} else {
			body = []byte(doc.Markdown())
		}
		if path == "" {
			_, err := stdout.Write(body)
			return err
		}
		return eris.Wrap(os.WriteFile(path, body, 0o644), "audits export: write file")
	default:
		return eris.Errorf("audits export: unknown format %q", format)
	}
}

func init() {
	auditsListCmd.Flags().String("state", "", "filter by state (pending, processing, completed, failed)")
	auditsListCmd.Flags().String("company", "", "filter by company id")
	auditsListCmd.Flags().Int("limit", 50, "max number of audits to display")

	auditsResumeCmd.Flags().Bool("enqueue", false, "enqueue a resume job instead of running in this process")

	auditsExportCmd.Flags().String("format", "xlsx", "output format (xlsx, html, markdown)")
	auditsExportCmd.Flags().String("out", "", "output path (default stdout, or audit-<id>.xlsx)")

	auditsCmd.AddCommand(auditsListCmd)
	auditsCmd.AddCommand(auditsShowCmd)
	auditsCmd.AddCommand(auditsLogCmd)
	auditsCmd.AddCommand(auditsResumeCmd)
	auditsCmd.AddCommand(auditsStopCmd)
	auditsCmd.AddCommand(auditsExportCmd)
	rootCmd.AddCommand(auditsCmd)
}

// formatAuditsList writes a tabular list of audits to w.
func formatAuditsList(out io.Writer, audits []model.Audit) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTATE\tPCT\tQUALITY\tOVERALL\tREPROCESS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t---\t-------\t-------\t---------\t-------")

	for _, a := range audits {
		overall := "-"
		if a.OverallScore != nil {
			overall = fmt.Sprintf("%.1f", *a.OverallScore)
		}
		quality := string(a.DataQualityStatus)
		if quality == "" {
			quality = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			truncateID(a.ID),
			a.CompanyID,
			a.State,
			a.State.Percent(),
			quality,
			overall,
			a.ReprocessCount,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatReprocessLog writes the reprocess log entries to w.
func formatReprocessLog(out io.Writer, entries []model.ReprocessLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tATTEMPT\tBY\tBEFORE\tAFTER\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339),
			e.Attempt,
			e.TriggeredBy,
			e.StateBefore,
			e.StateAfter,
			e.Reason,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
