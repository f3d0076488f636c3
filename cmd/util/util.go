package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

// Mocked out for unit testing.
var exit = os.Exit

// HandleFatalError handles errors that are severe enough to terminate the
// program.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the panic and its stack trace before exiting. It should be
// deferred at the start of each goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).WithField("stack", string(debug.Stack())).
			Error("Unexpected panic")
		exit(1)
	}
}

// ConfigFlag is the name of the persistent flag that overrides the config
// path.
const ConfigFlag = "config"

// Mocked out for unit testing.
var parseConfig = config.Parse

// ParseConfig parses the config file selected by the command's --config flag.
func ParseConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString(ConfigFlag)
	if err != nil {
		return config.Config{}, errors.WithContext(err, "get config flag")
	}
	return parseConfig(path)
}
