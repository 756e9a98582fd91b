package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// writeTaskFile persists a task with the crash-safe dance: write to a
// temp file in the destination directory, fsync, then rename over the
// target. A crash leaves either the old file or the new one, never a
// torn write.
func writeTaskFile(path string, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: encode task %s: %w", t.ID, err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		removeQuiet(tmp)
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		removeQuiet(tmp)
		return fmt.Errorf("queue: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		removeQuiet(tmp)
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		removeQuiet(tmp)
		return fmt.Errorf("queue: rename into place: %w", err)
	}
	return nil
}

// readTaskFile loads and decodes one task file.
func readTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: read task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("queue: decode task %s: %w", filepath.Base(path), err)
	}
	return &t, nil
}

// listTaskFiles returns the task file names in a state directory,
// sorted. Temp files from in-progress writes are excluded.
func listTaskFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// validTaskFileName rejects names that could escape the state
// directories when supplied by admin requests.
func validTaskFileName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, "/\\") &&
		name == filepath.Base(name) &&
		strings.HasSuffix(name, ".json")
}
