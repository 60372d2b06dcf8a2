// Package session loads the main-session state staged alongside a
// worker's code package, the Go analogue of the original implementation
// restoring a pickled interactive Python session before running any
// user code.
package session

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	// Register the primitive types a staged session's bindings commonly
	// hold, so gob can decode them out of the map[string]interface{}
	// without every producer needing to register its own types.
	gob.Register("")
	gob.Register(0)
	gob.Register(0.0)
	gob.Register(false)
}

// FileName is the name of the staged session file the coordinator places
// in the worker's local staging directory, named after the constant the
// original implementation uses for the same file.
const FileName = "pickled_main_session"

// Session holds whatever state was staged for the job. Go has no
// equivalent of restoring a live interpreter's symbol table, so this is
// a best-effort container: a decoded blob of named values the job's
// executors may consult, not a restored execution environment.
type Session struct {
	Values map[string]interface{}
}

// Load reads and decodes the staged session file from stagingDir. A
// missing file is not an error: the caller should log a warning and
// continue with a nil Session, matching the original's behavior of
// proceeding without a main session when none was staged.
func Load(stagingDir string) (*Session, error) {
	path := filepath.Join(stagingDir, FileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: opening %s: %w", path, err)
	}
	defer f.Close()

	var values map[string]interface{}
	if err := gob.NewDecoder(f).Decode(&values); err != nil {
		return nil, fmt.Errorf("session: decoding %s: %w", path, err)
	}
	return &Session{Values: values}, nil
}
