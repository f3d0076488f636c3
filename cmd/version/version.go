package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of mirror.",
		Long: "Print the version of mirror, as a git commit hash, and the\n" +
			"sync protocol version it speaks.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version:  %s\n", version.Version)
			fmt.Printf("protocol: %s\n", version.ProtocolVersion)
		},
	}
}
