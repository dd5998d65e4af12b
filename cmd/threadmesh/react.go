package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/stream"
)

func newReactCmd(flags *rootFlags) *cobra.Command {
	var (
		contextKey string
		channel    string
		events     bool
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "react <thread> <text...>",
		Short: "Run one execution and print its result as JSON",
		Args:  cobra.MinimumNArgs(2),
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

			def, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			p := engine.Params{Options: cfg.ReactOptions()}
			p.Options.RunID = runID
			if contextKey != "" {
				p.Context = &core.Identifier{Key: contextKey}
			}
			if events {
				p.Options.Sink = stream.FuncSink(func(_ context.Context, ev stream.Event) error {
					return enc.Encode(ev)
				})
			}

			trigger := core.Item{
				Type:    core.ItemTypeInputText,
				Channel: core.Channel(channel),
				Content: core.ItemContent{Parts: []core.Part{core.NewTextPart(strings.Join(args[1:], " "))}},
			}
			if trigger.Channel != "" && !trigger.Channel.Valid() {
				return fmt.Errorf("unknown channel %q", channel)
			}

			res, err := a.engine.React(ctx, def, trigger, p)
			if res == nil {
				return err
			}
			out := map[string]any{"result": res}
			if item, gerr := a.store.GetItem(ctx, res.ReactionItemID); gerr == nil && item != nil {
				out["reaction"] = core.TextOf(item.Content.Parts)
			}
			if err != nil {
				out["error"] = core.ErrorText(err)
			}
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&contextKey, "context", "", "Context key; a new context is created when empty or unknown")
	cmd.Flags().StringVar(&channel, "channel", "", "Trigger channel (web, whatsapp, email)")
	cmd.Flags().BoolVar(&events, "events", false, "Print every lifecycle event as a JSON line")
	cmd.Flags().StringVar(&runID, "run-id", "", "Trace run id (defaults to the execution id)")
	return cmd
}
