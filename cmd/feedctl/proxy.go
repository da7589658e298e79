package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/bus"
)

func proxyCmd() *cobra.Command {
	var (
		xsub string
		xpub string
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the zmq forwarder that connects instances on the zmq bus",
		Long: `Binds an XSUB socket that instances publish to and an XPUB socket they
subscribe from. Requires a binary built with -tags zmq.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("starting bus proxy", zap.String("xsub", xsub), zap.String("xpub", xpub))
			return bus.RunProxy(cmd.Context(), xsub, xpub, logger)
		},
	}

	cmd.Flags().StringVar(&xsub, "xsub", "tcp://*:5559", "address instances publish to")
	cmd.Flags().StringVar(&xpub, "xpub", "tcp://*:5560", "address instances subscribe from")

	return cmd
}
