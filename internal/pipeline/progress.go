package pipeline

import "github.com/rancher/git-uploader/internal/git"

// Stage describes where a file is in the pipeline.
type Stage string

const (
	StagePreparing Stage = "Preparing"
	StagePacking   Stage = Stage(git.StagePacking)
	StageUploading Stage = Stage(git.StageUploading)
	StageDone      Stage = Stage(git.StageDone)
	StageFailed    Stage = "Failed"
)

// Progress is an outward progress event. FileIndex is 1-based; it is 0 for
// failures that happen before any file is processed.
type Progress struct {
	FileIndex  int
	TotalFiles int
	FileName   string
	Stage      Stage
	Message    string
	IsFailed   bool

	CurrentObjects     int64
	TotalObjects       int64
	BytesSent          int64
	InstantBytesPerSec float64
	AvgBytesPerSec     float64
	PeakBytesPerSec    float64
}

// Reporter receives progress events. Implementations must not block.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) {
	if f != nil {
		f(p)
	}
}

type nopReporter struct{}

func (nopReporter) Report(Progress) {}
