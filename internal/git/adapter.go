package git

import (
	"context"
	"errors"
	"time"
)

// Stage names a phase of a push.
type Stage string

const (
	StagePacking   Stage = "Packing"
	StageUploading Stage = "Uploading"
	StageDone      Stage = "Done"
)

// PushProgress is a sample of push progress. Speeds are in bytes per second.
type PushProgress struct {
	Stage              Stage
	CurrentObjects     int64
	TotalObjects       int64
	BytesSent          int64
	InstantBytesPerSec float64
	AvgBytesPerSec     float64
	PeakBytesPerSec    float64
}

// ProgressFunc receives push progress samples. It is called from the goroutine
// reading git's output and must not block.
type ProgressFunc func(PushProgress)

// CommitRequest describes a single-path commit followed by a push of Branch.
type CommitRequest struct {
	WorkspacePath string
	Branch        string
	RelativePath  string
	Message       string
	Token         string
}

// PushResult is the outcome of a successful CommitAndPush.
type PushResult struct {
	SHA       string
	BytesSent int64
	Elapsed   time.Duration
}

// ElapsedSeconds returns Elapsed in seconds.
func (r PushResult) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// Adapter is the version-control engine the upload pipeline drives. Calls for a
// given workspace must not run concurrently.
type Adapter interface {
	// EnsureCloned clones cloneURL into workspacePath unless a repository is already there.
	EnsureCloned(ctx context.Context, cloneURL, workspacePath, token string) error

	// IsPathUnchanged reports whether relativePath is absent from disk or shows no
	// working-tree changes.
	IsPathUnchanged(ctx context.Context, workspacePath, relativePath string) (bool, error)

	// CommitAndPush checks out the branch, stages and commits exactly one path, and
	// pushes the branch to origin.
	CommitAndPush(ctx context.Context, req CommitRequest, progress ProgressFunc) (PushResult, error)
}

// ErrNoOrigin is returned when the workspace has no origin remote to push to.
var ErrNoOrigin = errors.New("git: remote 'origin' not found")
