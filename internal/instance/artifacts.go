package instance

import (
	"fmt"
	"os"
)

// ValidateArtifacts checks that the three artifacts every supervised unit
// needs (the runtime interpreter, the server entrypoint and the config
// file) exist on disk. A missing artifact fails fast with an error naming
// it, before any process is spawned.
func ValidateArtifacts(inst Instance) error {
	for _, artifact := range []struct {
		label string
		path  string
	}{
		{"python interpreter", inst.PythonPath},
		{"server entrypoint", inst.ServerPath},
		{"config file", inst.ConfigPath},
	} {
		if artifact.path == "" {
			return fmt.Errorf("instance %s: %s not configured", inst.Key, artifact.label)
		}
		st, err := os.Stat(artifact.path)
		if err != nil {
			return fmt.Errorf("instance %s: %s missing at %s", inst.Key, artifact.label, artifact.path)
		}
		if st.IsDir() {
			return fmt.Errorf("instance %s: %s at %s is a directory", inst.Key, artifact.label, artifact.path)
		}
	}
	return nil
}
