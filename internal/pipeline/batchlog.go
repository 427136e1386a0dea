package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rancher/git-uploader/internal/store"
)

// batchLog accumulates the plain-text log of one batch. The whole log is
// rewritten on every flush.
type batchLog struct {
	path  string
	now   func() time.Time
	lines strings.Builder
}

func newBatchLog(path string, now func() time.Time) *batchLog {
	return &batchLog{path: path, now: now}
}

func (l *batchLog) add(format string, args ...any) {
	fmt.Fprintf(&l.lines, "[%s] ", l.now().Local().Format("15:04:05"))
	fmt.Fprintf(&l.lines, format, args...)
	l.lines.WriteByte('\n')
}

func (l *batchLog) skipped(fileName string) {
	l.add("Skip (unchanged): %s", fileName)
}

func (l *batchLog) succeeded(fileName, sha string, elapsedSeconds float64) {
	l.add("OK: %s -> %s (%.1fs)", fileName, sha, elapsedSeconds)
}

func (l *batchLog) failed(fileName, message string) {
	l.add("FAIL: %s - %s", fileName, message)
}

func (l *batchLog) errored(message string) {
	l.add("ERROR: %s", message)
}

func (l *batchLog) String() string {
	return l.lines.String()
}

// flush writes the log to its path. An empty path disables the file.
func (l *batchLog) flush() error {
	if l.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := store.WriteFileAtomic(l.path, []byte(l.lines.String()), 0o644); err != nil {
		return fmt.Errorf("write batch log: %w", err)
	}
	return nil
}
