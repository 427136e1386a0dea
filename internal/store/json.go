package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	accountsFile = "accounts.json"
	runsFile     = "runs.json"
	settingsFile = "settings.json"
)

// JSONStore keeps each collection in its own indented JSON file under Dir.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore returns a store rooted at dir. The directory is created lazily on
// the first save.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{dir: dir}
}

// Dir returns the directory holding the collection files.
func (s *JSONStore) Dir() string {
	return s.dir
}

func (s *JSONStore) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := readJSON(ctx, s, accountsFile, []Account{})
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []Account{}
	}
	return accounts, nil
}

func (s *JSONStore) SaveAccounts(ctx context.Context, accounts []Account) error {
	if accounts == nil {
		accounts = []Account{}
	}
	return s.write(ctx, accountsFile, accounts)
}

func (s *JSONStore) Runs(ctx context.Context) ([]CommitRun, error) {
	runs, err := readJSON(ctx, s, runsFile, []CommitRun{})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []CommitRun{}
	}
	return runs, nil
}

func (s *JSONStore) SaveRuns(ctx context.Context, runs []CommitRun) error {
	if runs == nil {
		runs = []CommitRun{}
	}
	return s.write(ctx, runsFile, runs)
}

func (s *JSONStore) Settings(ctx context.Context) (Settings, error) {
	settings, err := readJSON(ctx, s, settingsFile, Settings{})
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = Settings{}
	}
	return settings, nil
}

func (s *JSONStore) SaveSettings(ctx context.Context, settings Settings) error {
	if settings == nil {
		settings = Settings{}
	}
	return s.write(ctx, settingsFile, settings)
}

func (s *JSONStore) Close() error {
	return nil
}

// readJSON decodes the named file. A missing or undecodable file yields empty.
func readJSON[T any](ctx context.Context, s *JSONStore, name string, empty T) (T, error) {
	if err := ctx.Err(); err != nil {
		return empty, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("read %s: %w", name, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return empty, nil
	}
	return value, nil
}

func (s *JSONStore) write(ctx context.Context, name string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFileAtomic(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
