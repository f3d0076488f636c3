package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/client"
	"github.com/sidkik/mirror/cmd/server"
	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/cmd/version"
	"github.com/sidkik/mirror/pkg/config"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "MIRROR_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "mirror",
		Short:        "Keep a directory in sync between two machines",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String(util.ConfigFlag, "",
		"Path to the mirror config. Defaults to "+config.DefaultConfigPath+" if it exists.")
	rootCmd.AddCommand(
		client.New(),
		server.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
