package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// versioned is implemented by config files that record the schema version
// they were written for.
type versioned interface {
	getVersion() string
}

// invalidConfigTemplate is shown when a config file can't be decoded. The
// yaml library doesn't report where in the file the problem is, so its
// message is passed through as is.
const invalidConfigTemplate = "Failed to parse the mirror config at %q:\n" +
	"%s\n\n" +
	"Check that every field is spelled correctly and has the right type " +
	"(durations are strings such as \"5s\")."

type configVersionError struct {
	path, supported, found string
}

func (err configVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err configVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The mirror config at %q is for version %q, "+
		"but this version of mirror only understands %q.",
		err.path, err.found, err.supported)
}

// readConfig decodes the YAML file at `path` into `cfg`. Fields that are
// absent from the file are left untouched.
func readConfig(path string, cfg versioned, supported string) error {
	contents, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	// Unknown fields are only rejected once the version is known to match,
	// so that a config for a newer version gets the more useful error.
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return errors.NewFriendlyError(invalidConfigTemplate, path, err)
	}

	if found := cfg.getVersion(); found != supported {
		return configVersionError{path: path, supported: supported, found: found}
	}

	if err := yaml.UnmarshalStrict(contents, cfg, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(invalidConfigTemplate, path, err)
	}
	return nil
}
