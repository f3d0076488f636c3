// +build ci

package main

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/ci/sync"
	"github.com/sidkik/mirror/ci/util"
)

type TestFunction func(*testing.T, *util.TestHelper)

func TestMirror(t *testing.T) {
	binary, ok := os.LookupEnv("CI_MIRROR_BINARY")
	if !ok {
		buildDir, err := ioutil.TempDir("", "mirror-ci")
		require.NoError(t, err)
		defer os.RemoveAll(buildDir)

		binary = filepath.Join(buildDir, "mirror")
		build := exec.Command("go", "build", "-o", binary, "..")
		build.Stdout = os.Stdout
		build.Stderr = os.Stderr
		require.NoError(t, build.Run(), "build mirror")
	}

	tests := []struct {
		name   string
		testFn TestFunction
	}{
		{
			name:   "Sync",
			testFn: sync.Test,
		},
	}

	helper := util.NewTestHelper(binary)
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			test.testFn(t, helper)
		})
	}
}
