package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asotonet/isp-billing/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "isp-core",
		Short:         "ISP billing core: router sync, monitoring and API",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment")

	root.AddCommand(
		newServeCommand(&envFiles),
		newRouterCommand(&envFiles),
		newPlanCommand(&envFiles),
		newEventsCommand(&envFiles),
	)
	return root
}
