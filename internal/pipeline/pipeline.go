// Package pipeline runs upload batches: each file is staged into the workspace
// uploads folder, committed, and pushed, strictly one after another.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rancher/git-uploader/internal/accounts"
	"github.com/rancher/git-uploader/internal/git"
	"github.com/rancher/git-uploader/internal/pathpolicy"
	"github.com/rancher/git-uploader/internal/store"
	"github.com/rancher/git-uploader/internal/workspace"
)

// Request describes one batch.
type Request struct {
	AccountID     string
	RepoFullName  string
	CloneURL      string
	Branch        string
	Files         []string
	MessagePrefix string
	LogPath       string

	// Force bypasses the unchanged check so every file is copied and committed.
	Force bool
}

// BatchStatus is the overall outcome of a batch.
type BatchStatus string

const (
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Result captures what a batch did. Runs holds the records of this batch in
// processing order.
type Result struct {
	Status  BatchStatus
	Message string
	Runs    []store.CommitRun
}

// Orchestrator drives the account resolver, workspace resolver, and git adapter
// over a batch of files.
type Orchestrator struct {
	accounts  accounts.Resolver
	workspace *workspace.Resolver
	git       git.Adapter
	store     store.Store
	log       *slog.Logger
	now       func() time.Time
	batchID   func(time.Time) string
}

// New returns a configured Orchestrator instance.
func New(accts accounts.Resolver, ws *workspace.Resolver, adapter git.Adapter, st store.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		accounts:  accts,
		workspace: ws,
		git:       adapter,
		store:     st,
		log:       logger,
		now:       time.Now,
		batchID:   defaultBatchID,
	}
}

// WithClock replaces the clock used for run timestamps and log lines.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// defaultBatchID prefixes run identifiers with the UTC batch start time and a
// short random tag so batches started within the same second stay distinct.
func defaultBatchID(t time.Time) string {
	return t.UTC().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6] + "_"
}

type batch struct {
	o        *Orchestrator
	req      Request
	reporter Reporter
	log      *batchLog
	runs     []store.CommitRun
	idBase   string
	token    string
	ws       string
}

// Run processes req.Files in order and stops at the first failure. Every
// failure is reported through reporter and reflected in the returned Result;
// Run never returns an error. History and the batch log are persisted after
// each file. Cancellation stops the batch without recording the file in flight.
func (o *Orchestrator) Run(ctx context.Context, req Request, reporter Reporter) Result {
	if reporter == nil {
		reporter = nopReporter{}
	}

	b := &batch{
		o:        o,
		req:      req,
		reporter: reporter,
		log:      newBatchLog(req.LogPath, o.now),
		idBase:   o.batchID(o.now()),
	}

	if o.accounts == nil || o.workspace == nil || o.git == nil || o.store == nil {
		return b.fail(0, "pipeline is not fully configured")
	}
	if strings.TrimSpace(req.Branch) == "" {
		return b.fail(0, "branch is required")
	}

	_, token, err := o.accounts.Resolve(ctx, req.AccountID)
	if err != nil {
		if o.log != nil {
			o.log.Error("resolve account failed", "account", req.AccountID, "error", err)
		}
		if errors.Is(err, store.ErrAccountNotFound) {
			return b.fail(0, "Account not found.")
		}
		return b.fail(0, "Token not found for account.")
	}
	b.token = token

	b.ws = o.workspace.GetWorkspacePath(req.AccountID, req.RepoFullName)

	unlock, err := workspaceLocks.lock(ctx, b.ws)
	if err != nil {
		return b.cancelled()
	}
	defer unlock()

	if o.log != nil {
		o.log.Info("starting batch", "account", req.AccountID, "repo", req.RepoFullName, "branch", req.Branch, "files", len(req.Files))
	}

	if err := o.git.EnsureCloned(ctx, req.CloneURL, b.ws, token); err != nil {
		if ctx.Err() != nil {
			return b.cancelled()
		}
		msg := fmt.Sprintf("clone %s: %v", req.RepoFullName, err)
		b.log.errored(msg)
		_ = b.log.flush()
		return b.fail(0, msg)
	}

	for i, source := range req.Files {
		if ctx.Err() != nil {
			return b.cancelled()
		}
		if res, done := b.processFile(ctx, i, source); done {
			return res
		}
	}

	if o.log != nil {
		o.log.Info("batch completed", "repo", req.RepoFullName, "runs", len(b.runs))
	}
	return Result{Status: BatchStatusCompleted, Runs: b.runs}
}

// processFile handles one file. done is true when the batch must stop.
func (b *batch) processFile(ctx context.Context, i int, source string) (Result, bool) {
	o := b.o
	index := i + 1
	total := len(b.req.Files)
	fileName := filepath.Base(source)
	targetName := pathpolicy.CleanFileName(fileName)

	if _, err := o.workspace.EnsureUploadsFolder(b.ws); err != nil {
		b.log.errored(err.Error())
		b.record(b.newRun(i, fileName, store.RunStatusFailed, err.Error()))
		return b.failAfterPersist(index, err.Error()), true
	}
	provisional := o.workspace.ProvisionalRepoPath(b.ws, targetName)

	b.report(Progress{FileIndex: index, FileName: fileName, Stage: StagePreparing, Message: fmt.Sprintf("File %d/%d: %s", index, total, fileName)})

	var (
		unchanged bool
		err       error
	)
	if !b.req.Force {
		unchanged, err = o.git.IsPathUnchanged(ctx, b.ws, provisional)
	}
	if err != nil {
		if ctx.Err() != nil {
			return b.cancelled(), true
		}
		msg := err.Error()
		b.log.failed(fileName, msg)
		b.record(b.newRun(i, fileName, store.RunStatusFailed, msg))
		return b.failAfterPersist(index, msg), true
	}

	if unchanged {
		b.log.skipped(fileName)
		b.record(b.newRun(i, fileName, store.RunStatusSkipped, ""))
		if o.log != nil {
			o.log.Info("skipping unchanged file", "file", fileName, "index", index)
		}
		if err := b.persist(); err != nil {
			return b.fail(index, err.Error()), true
		}
		b.report(Progress{FileIndex: index, FileName: fileName, Stage: StageDone, Message: "Skipped (unchanged): " + fileName})
		return Result{}, false
	}

	relInRepo, err := o.workspace.CopyToUploads(b.ws, source, targetName)
	if err != nil {
		msg := err.Error()
		b.log.errored(msg)
		b.record(b.newRun(i, fileName, store.RunStatusFailed, msg))
		return b.failAfterPersist(index, msg), true
	}

	message := commitMessage(b.req.MessagePrefix, relInRepo)

	b.report(Progress{FileIndex: index, FileName: fileName, Stage: StagePacking, Message: "Packing: " + fileName})

	run := b.newRun(i, fileName, store.RunStatusPending, "")
	run.CompletedAt = nil
	b.runs = append(b.runs, run)
	pending := len(b.runs) - 1

	result, err := o.git.CommitAndPush(ctx, git.CommitRequest{
		WorkspacePath: b.ws,
		Branch:        b.req.Branch,
		RelativePath:  relInRepo,
		Message:       message,
		Token:         b.token,
	}, func(p git.PushProgress) {
		b.report(Progress{
			FileIndex:          index,
			FileName:           fileName,
			Stage:              Stage(p.Stage),
			Message:            fmt.Sprintf("%s: %s", p.Stage, fileName),
			CurrentObjects:     p.CurrentObjects,
			TotalObjects:       p.TotalObjects,
			BytesSent:          p.BytesSent,
			InstantBytesPerSec: p.InstantBytesPerSec,
			AvgBytesPerSec:     p.AvgBytesPerSec,
			PeakBytesPerSec:    p.PeakBytesPerSec,
		})
	})

	if err != nil && ctx.Err() != nil {
		b.runs = b.runs[:pending]
		return b.cancelled(), true
	}

	completed := o.now()
	if err != nil {
		msg := err.Error()
		b.runs[pending].Status = store.RunStatusFailed
		b.runs[pending].ErrorMessage = msg
		b.runs[pending].CompletedAt = &completed
		b.log.failed(fileName, msg)
		if o.log != nil {
			o.log.Error("upload failed", "file", fileName, "index", index, "status", store.RunStatusFailed, "error", err)
		}
		return b.failAfterPersist(index, msg), true
	}

	elapsed := result.ElapsedSeconds()
	b.runs[pending].Status = store.RunStatusSuccess
	b.runs[pending].SHA = result.SHA
	b.runs[pending].CompletedAt = &completed
	b.runs[pending].DurationSeconds = &elapsed
	b.runs[pending].AvgSpeedMBps = AverageMBps(result.BytesSent, elapsed)
	b.log.succeeded(fileName, result.SHA, elapsed)

	if o.log != nil {
		o.log.Info("uploaded file", "file", fileName, "index", index, "status", store.RunStatusSuccess, "sha", result.SHA, "duration", FormatDuration(result.Elapsed))
	}

	if err := b.persist(); err != nil {
		return b.fail(index, err.Error()), true
	}
	return Result{}, false
}

func commitMessage(prefix, relInRepo string) string {
	name := filepath.Base(filepath.FromSlash(relInRepo))
	if strings.TrimSpace(prefix) == "" {
		return "Upload " + name
	}
	return strings.TrimSpace(prefix) + " " + name
}

func (b *batch) newRun(i int, fileName string, status store.RunStatus, errMsg string) store.CommitRun {
	now := b.o.now()
	return store.CommitRun{
		ID:           b.idBase + strconv.Itoa(i),
		AccountID:    b.req.AccountID,
		RepoFullName: b.req.RepoFullName,
		Branch:       b.req.Branch,
		FileName:     fileName,
		Status:       status,
		ErrorMessage: errMsg,
		StartedAt:    now,
		CompletedAt:  &now,
		LogFilePath:  b.req.LogPath,
	}
}

func (b *batch) record(run store.CommitRun) {
	b.runs = append(b.runs, run)
}

// persist merges the batch runs into history and rewrites the batch log.
func (b *batch) persist() error {
	historyMu.Lock()
	defer historyMu.Unlock()

	// Persistence runs even when the batch context is being torn down.
	ctx := context.Background()

	existing, err := b.o.store.Runs(ctx)
	if err != nil {
		return fmt.Errorf("load run history: %w", err)
	}
	if err := b.o.store.SaveRuns(ctx, store.MergeRuns(existing, b.runs, store.MaxRunHistory)); err != nil {
		return fmt.Errorf("save run history: %w", err)
	}
	return b.log.flush()
}

func (b *batch) failAfterPersist(index int, message string) Result {
	if err := b.persist(); err != nil && b.o.log != nil {
		b.o.log.Error("failed to persist run history", "error", err)
	}
	return b.fail(index, message)
}

func (b *batch) fail(index int, message string) Result {
	b.reporter.Report(Progress{
		FileIndex:  index,
		TotalFiles: len(b.req.Files),
		Stage:      StageFailed,
		Message:    message,
		IsFailed:   true,
	})
	return Result{Status: BatchStatusFailed, Message: message, Runs: b.runs}
}

func (b *batch) cancelled() Result {
	if b.o.log != nil {
		b.o.log.Info("batch cancelled", "repo", b.req.RepoFullName, "runs", len(b.runs))
	}
	return Result{Status: BatchStatusCancelled, Message: "cancelled", Runs: b.runs}
}

func (b *batch) report(p Progress) {
	p.TotalFiles = len(b.req.Files)
	b.reporter.Report(p)
}
