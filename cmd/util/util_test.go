package util

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

func TestHandleFatalError(t *testing.T) {
	var exitCode int
	exit = func(code int) {
		exitCode = code
	}

	HandleFatalError(errors.WithContext(errors.NewFriendlyError("friendly"), "context"))
	assert.Equal(t, 1, exitCode)
}

func TestHandlePanic(t *testing.T) {
	exitCode := -1
	exit = func(code int) {
		exitCode = code
	}

	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 1, exitCode)

	exitCode = -1
	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, -1, exitCode)
}

func TestParseConfig(t *testing.T) {
	var parsedPath string
	parseConfig = func(path string) (config.Config, error) {
		parsedPath = path
		return config.Default(), nil
	}
	defer func() { parseConfig = config.Parse }()

	cmd := &cobra.Command{}
	cmd.Flags().String(ConfigFlag, "", "")
	require.NoError(t, cmd.Flags().Set(ConfigFlag, "/etc/mirror.yaml"))

	cfg, err := ParseConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, "/etc/mirror.yaml", parsedPath)

	_, err = ParseConfig(&cobra.Command{})
	assert.Error(t, err)
}
