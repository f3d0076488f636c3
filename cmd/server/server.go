package server

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/errors"
	syncServer "github.com/sidkik/mirror/pkg/sync/server"
)

// New creates a new `server` command.
func New() *cobra.Command {
	var metricsAddress string
	cmd := &cobra.Command{
		Use:   "server <root> <port>",
		Short: "Serve a directory to mirror clients",
		Long: "Serve the directory at <root> on <port>. Changes made by a\n" +
			"connected client are written to <root>, and local changes are\n" +
			"pushed to the client.",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			root, port, err := parseArgs(args)
			if err != nil {
				util.HandleFatalError(err)
			}

			cfg, err := util.ParseConfig(cmd)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}
			if metricsAddress != "" {
				cfg.MetricsAddress = metricsAddress
			}

			if err := syncServer.Run(root, port, cfg); err != nil {
				util.HandleFatalError(errors.WithContext(err, "run sync server"))
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "",
		"Address to serve prometheus metrics on. Overrides the config file.")
	return cmd
}

func parseArgs(args []string) (root string, port int, err error) {
	port, err = strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.NewFriendlyError(
			"The port (%s) must be a number between 1 and 65535", args[1])
	}
	return args[0], port, nil
}
