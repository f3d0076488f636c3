package client

import (
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/errors"
	syncClient "github.com/sidkik/mirror/pkg/sync/client"
)

// New creates a new `client` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "client <root> <address>",
		Short: "Sync a directory with a mirror server",
		Long: "Sync the directory at <root> with the mirror server at\n" +
			"<address>, in host:port form. The client reconnects\n" +
			"automatically if the connection is lost.",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := util.ParseConfig(cmd)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			if err := syncClient.Run(args[0], args[1], cfg); err != nil {
				util.HandleFatalError(errors.WithContext(err, "run sync client"))
			}
		},
	}
}
