// Package marker implements the success marker: a small JSON file recording
// the commit of the last deployment that both activated and passed the
// reachability probe. It is written atomically (temp file + rename) so a
// crash at any point leaves either the old value or the new value, never a
// partial one.
package marker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Marker is the on-disk record, last_success.json in config_dir.
type Marker struct {
	Commit    string    `json:"commit"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const fileName = "last_success.json"

// Path returns the marker's path under configDir.
func Path(configDir string) string {
	return filepath.Join(configDir, fileName)
}

// Read loads the marker, if present. A missing file is not an error: it
// returns (nil, nil), meaning "no prior success recorded".
func Read(configDir string) (*Marker, error) {
	data, err := os.ReadFile(Path(configDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading success marker")
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing success marker")
	}
	return &m, nil
}

// Write atomically replaces the marker with m.
func Write(configDir string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding success marker")
	}
	tmp, err := os.CreateTemp(configDir, ".last_success-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp marker file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp marker file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp marker file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp marker file")
	}
	if err := os.Rename(tmpPath, Path(configDir)); err != nil {
		return errors.Wrap(err, "renaming temp marker file into place")
	}
	return nil
}
