package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTraceCmd(flags *rootFlags) *cobra.Command {
	var spans bool

	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Print the persisted trace records of a run",
		Long:  "Print the persisted trace records of a run. Only useful with a SQL store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			runID := args[0]
			run, err := a.traces.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", runID)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if spans {
				list, err := a.traces.ListSpans(ctx, runID)
				if err != nil {
					return err
				}
				return enc.Encode(list)
			}
			records, err := a.traces.ListRecords(ctx, runID)
			if err != nil {
				return err
			}
			return enc.Encode(map[string]any{"run": run, "records": records})
		},
	}

	cmd.Flags().BoolVar(&spans, "spans", false, "Print spans instead of records")
	return cmd
}

func newThreadsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List the registered thread keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			for _, key := range a.registry.List() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
