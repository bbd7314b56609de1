package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/visibility"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Serve()
		},
	}
}

func newFailuresCommand(configPath *string) *cobra.Command {
	failures := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and sync the proxy failure ledger",
	}

	var (
		pending bool
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List failure ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.failures.List(cmd.Context(), ledger.ListOptions{PendingOnly: pending, Limit: limit})
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}
	list.Flags().BoolVar(&pending, "pending", false, "Only list records not yet synced")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of records")

	var timeout time.Duration
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload unsynced failure records to the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, syncErr := app.syncer.SyncOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d synced=%d failed=%d\n", result.Attempted, result.Synced, result.Failed)
			return syncErr
		},
	}
	syncCmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Timeout for the sync pass")

	failures.AddCommand(list, syncCmd)
	return failures
}

func newVisibilityCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "visibility",
		Short: "Show which UI features are hidden",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			_, cfg, err := app.controller.State(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tHIDDEN")
			for _, key := range visibility.Keys() {
				fmt.Fprintf(w, "%s\t%t\n", key, visibility.IsHidden(key, cfg))
			}
			return w.Flush()
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the routing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(*configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			state, cfg, err := app.controller.State(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := app.failures.List(cmd.Context(), ledger.ListOptions{PendingOnly: true})
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"state":                state,
				"enabled":              cfg.Enabled,
				"base_url":             cfg.BaseURL,
				"use_fallback":         cfg.UseFallback,
				"consecutive_failures": cfg.ConsecutiveFailures,
				"last_failure_at":      cfg.LastFailureAt,
				"fallback_expires_at":  cfg.FallbackExpiresAt,
				"pending_failures":     len(pending),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func printRecords(out io.Writer, records []ledger.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOGGED AT\tMODEL\tPROVIDER\tSYNCED\tATTEMPTS\tERROR")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			rec.ID,
			rec.LoggedAt.Format(time.RFC3339),
			rec.ModelRef,
			rec.ProviderHint,
			rec.Synced,
			rec.SyncAttempts,
			rec.ErrorSummary,
		)
	}
	return w.Flush()
}
