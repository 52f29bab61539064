package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/bus"
	"github.com/asotonet/isp-billing/internal/bus/natsjs"
	"github.com/asotonet/isp-billing/internal/events"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRouterCommand(envFiles *[]string) *cobra.Command {
	cmd := &cobra.Command{Use: "router", Short: "Router maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "test <router-id>",
		Short: "Connect to a stored router and report identity and version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			rec, err := a.recorder(nil)
			if err != nil {
				return err
			}
			res, err := a.routerService(a.connector(), rec).TestConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	})
	return cmd
}

func newPlanCommand(envFiles *[]string) *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Plan maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync-profiles <plan-id>",
		Short: "Push the plan's PPP profile to every router serving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.propagator(a.connector()).SyncPPPProfiles(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	})
	return cmd
}

func newEventsCommand(envFiles *[]string) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Router event maintenance"}

	var retention time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete router events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			if retention <= 0 {
				retention = a.cfg.Events.Retention
			}
			rec, err := a.recorder(nil)
			if err != nil {
				return err
			}
			n, err := rec.Prune(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&retention, "retention", 0, "keep events newer than this (default EVENTS_RETENTION)")

	var durable string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print router events published on the message bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			return tailEvents(cmd, a, durable)
		},
	}
	tail.Flags().StringVar(&durable, "durable", "", "durable consumer name (ephemeral when empty)")

	cmd.AddCommand(prune, tail)
	return cmd
}

func tailEvents(cmd *cobra.Command, a *app, durable string) error {
	schema, err := events.LoadSchema()
	if err != nil {
		return err
	}
	nc, err := natsjs.Connect(natsjs.Config{
		URL:     a.cfg.NATS.URL,
		Prefix:  a.cfg.NATS.Prefix,
		Timeout: a.cfg.NATS.Timeout,
		MaxAge:  a.cfg.Events.Retention,
	}, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = nc.Close() }()
	if err := nc.EnsureStreams(); err != nil {
		return err
	}
	pc, err := nc.NewPullConsumer(durable, events.RouterTopics, 256)
	if err != nil {
		return err
	}
	return bus.Consume(cmd.Context(), pc, 32, 2*time.Second, natsjs.IsFetchTimeout, func(_ context.Context, data []byte) error {
		ev, subject, err := events.DecodeRouterEvent(schema, data)
		if err != nil {
			a.log.Warn("undecodable event", zap.Error(err))
			return bus.ErrPoison
		}
		return printJSON(cmd, map[string]any{"subject": subject, "event": ev})
	})
}
