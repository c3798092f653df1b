package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultFileName is resolved against the working directory.
const DefaultFileName = ".indexer-cursors.json"

// FileStore keeps cursors in a pretty-printed JSON object on local disk.
// Writes go through a temp file, fsync and rename so a crash leaves either
// the old or the new content.
type FileStore struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	if path == "" {
		path = DefaultFileName
	}
	return &FileStore{path: path, log: logger}
}

func (f *FileStore) Path() string { return f.path }

// Load never fails on bad content: an unreadable document yields an empty
// map and an unreadable entry is dropped, both logged.
func (f *FileStore) Load(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) read() (map[string]string, error) {
	out := make(map[string]string)

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file %s: %w", f.path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		f.log.Warn().Err(err).Str("path", f.path).Msg("cursor file unreadable, starting all event types from the beginning")
		return out, nil
	}

	for eventType, v := range raw {
		var c string
		if err := json.Unmarshal(v, &c); err != nil || c == "" {
			f.log.Warn().Str("event_type", eventType).RawJSON("value", v).Msg("dropping invalid cursor entry")
			continue
		}
		out[eventType] = c
	}
	return out, nil
}

func (f *FileStore) Save(_ context.Context, eventType, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cursors, err := f.read()
	if err != nil {
		return err
	}
	cursors[eventType] = cursor

	data, err := json.MarshalIndent(cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursors: %w", err)
	}
	return writeFileAtomic(f.path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cursor file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cursor file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cursor file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod cursor file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}

	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
