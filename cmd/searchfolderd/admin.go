package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/searchfolder/internal/searchfolder"
)

// NewRestartCommand creates the restart-searches command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart-searches",
		Short: "Rebuild every search folder that is not stopped and wait for completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			if err := rt.service.RestartSearches(ctx); err != nil {
				return fmt.Errorf("restart searches: %w", err)
			}
			if err := rt.service.FlushAndWait(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All search folders rebuilt.")
			return nil
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Load search folders and print a summary",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			return printStats(cmd.OutOrStdout(), format, rt.service.Stats())
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (json|text)")
	return cmd
}

func printStats(w io.Writer, format string, st searchfolder.Stats) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, err := fmt.Fprintf(w, "stores:      %d\nfolders:     %d\nevents:      %d\ntotal bytes: %d\n",
		st.Stores, st.Folders, st.Events, st.TotalBytes)
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
