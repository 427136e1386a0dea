package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/git-uploader/internal/git"
	"github.com/rancher/git-uploader/internal/pipeline"
	"github.com/rancher/git-uploader/internal/secrets"
	"github.com/rancher/git-uploader/internal/store"
	"github.com/rancher/git-uploader/internal/workspace"
)

type fakeResolver struct {
	accounts map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, accountID string) (store.Account, string, error) {
	token, ok := f.accounts[accountID]
	if !ok {
		return store.Account{}, "", fmt.Errorf("%w: %s", store.ErrAccountNotFound, accountID)
	}
	if token == "" {
		return store.Account{}, "", secrets.ErrNotFound
	}
	return store.Account{ID: accountID}, token, nil
}

type fakeAdapter struct {
	mu sync.Mutex

	cloneErr     error
	cloned       []string
	unchanged    map[string]bool
	unchangedErr error
	pushErrs     map[int]error
	onPush       func(ctx context.Context, call int) error
	bytesSent    int64
	elapsed      time.Duration

	commits []git.CommitRequest
}

func (f *fakeAdapter) EnsureCloned(_ context.Context, cloneURL, workspacePath, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloned = append(f.cloned, token)
	if f.cloneErr != nil {
		return f.cloneErr
	}
	return os.MkdirAll(workspacePath, 0o755)
}

func (f *fakeAdapter) IsPathUnchanged(_ context.Context, _ string, relativePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unchangedErr != nil {
		return false, f.unchangedErr
	}
	return f.unchanged[relativePath], nil
}

func (f *fakeAdapter) CommitAndPush(ctx context.Context, req git.CommitRequest, progress git.ProgressFunc) (git.PushResult, error) {
	f.mu.Lock()
	f.commits = append(f.commits, req)
	call := len(f.commits)
	f.mu.Unlock()

	progress(git.PushProgress{Stage: git.StagePacking, CurrentObjects: 1, TotalObjects: 3})
	progress(git.PushProgress{Stage: git.StageUploading, CurrentObjects: 3, TotalObjects: 3, BytesSent: f.bytesSent})

	if f.onPush != nil {
		if err := f.onPush(ctx, call); err != nil {
			return git.PushResult{}, err
		}
	}
	if err := f.pushErrs[call]; err != nil {
		return git.PushResult{}, err
	}

	progress(git.PushProgress{Stage: git.StageDone, BytesSent: f.bytesSent})
	return git.PushResult{SHA: fmt.Sprintf("sha%d", call), BytesSent: f.bytesSent, Elapsed: f.elapsed}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []pipeline.Progress
}

func (r *recorder) Report(p pipeline.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) all() []pipeline.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Progress(nil), r.events...)
}

func (r *recorder) failures() []pipeline.Progress {
	var out []pipeline.Progress
	for _, e := range r.all() {
		if e.IsFailed {
			out = append(out, e)
		}
	}
	return out
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		root      string
		sourceDir string
		st        *store.JSONStore
		resolver  *workspace.Resolver
		adapter   *fakeAdapter
		accts     *fakeResolver
		events    *recorder
		logPath   string
		orch      *pipeline.Orchestrator
	)

	source := func(name, contents string) string {
		path := filepath.Join(sourceDir, name)
		Expect(os.WriteFile(path, []byte(contents), 0o644)).To(Succeed())
		return path
	}

	request := func(files ...string) pipeline.Request {
		return pipeline.Request{
			AccountID:    "acct-1",
			RepoFullName: "octo/repo",
			CloneURL:     "https://github.example.com/octo/repo.git",
			Branch:       "main",
			Files:        files,
			LogPath:      logPath,
		}
	}

	workspacePath := func() string {
		return resolver.GetWorkspacePath("acct-1", "octo/repo")
	}

	persisted := func() []store.CommitRun {
		runs, err := st.Runs(ctx)
		Expect(err).NotTo(HaveOccurred())
		return runs
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		sourceDir = GinkgoT().TempDir()
		st = store.NewJSONStore(filepath.Join(root, "data"))
		resolver = workspace.NewResolver(filepath.Join(root, "workspaces"))
		adapter = &fakeAdapter{
			unchanged: map[string]bool{},
			pushErrs:  map[int]error{},
			bytesSent: 10 * 1024 * 1024,
			elapsed:   5 * time.Second,
		}
		accts = &fakeResolver{accounts: map[string]string{"acct-1": "ghp_token"}}
		events = &recorder{}
		logPath = filepath.Join(root, "logs", "batch.log")
		orch = pipeline.New(accts, resolver, adapter, st, nil)
	})

	It("commits and pushes every file in order", func() {
		a := source("a.txt", "A")
		b := source("b.txt", "B")

		result := orch.Run(ctx, request(a, b), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCompleted))
		Expect(result.Runs).To(HaveLen(2))
		for i, run := range result.Runs {
			Expect(run.Status).To(Equal(store.RunStatusSuccess))
			Expect(run.SHA).To(Equal(fmt.Sprintf("sha%d", i+1)))
			Expect(run.CompletedAt).NotTo(BeNil())
			Expect(run.ErrorMessage).To(BeEmpty())
			Expect(run.LogFilePath).To(Equal(logPath))
		}
		Expect(result.Runs[0].ID).NotTo(Equal(result.Runs[1].ID))

		Expect(adapter.cloned).To(Equal([]string{"ghp_token"}))
		Expect(adapter.commits).To(HaveLen(2))
		Expect(adapter.commits[0].RelativePath).To(Equal("uploads/a.txt"))
		Expect(adapter.commits[0].Message).To(Equal("Upload a.txt"))
		Expect(adapter.commits[0].Token).To(Equal("ghp_token"))
		Expect(adapter.commits[1].RelativePath).To(Equal("uploads/b.txt"))

		copied, err := os.ReadFile(filepath.Join(workspacePath(), "uploads", "a.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(copied)).To(Equal("A"))

		Expect(persisted()).To(HaveLen(2))

		logData, err := os.ReadFile(logPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logData)).To(ContainSubstring("OK: a.txt -> sha1 (5.0s)"))
		Expect(string(logData)).To(ContainSubstring("OK: b.txt -> sha2 (5.0s)"))
		Expect(events.failures()).To(BeEmpty())
	})

	It("computes average throughput in MB/s", func() {
		result := orch.Run(ctx, request(source("big.bin", "x")), events)

		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].DurationSeconds).NotTo(BeNil())
		Expect(*result.Runs[0].DurationSeconds).To(BeNumerically("~", 5.0, 1e-9))
		Expect(result.Runs[0].AvgSpeedMBps).NotTo(BeNil())
		Expect(*result.Runs[0].AvgSpeedMBps).To(BeNumerically("~", 2.0, 1e-9))
	})

	It("leaves average throughput unset when no time elapsed", func() {
		adapter.elapsed = 0

		result := orch.Run(ctx, request(source("a.txt", "A")), events)

		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].AvgSpeedMBps).To(BeNil())
	})

	It("records a skipped run without copying or committing unchanged files", func() {
		adapter.unchanged["uploads/a.txt"] = true

		result := orch.Run(ctx, request(source("a.txt", "A")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCompleted))
		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusSkipped))
		Expect(result.Runs[0].SHA).To(BeEmpty())
		Expect(result.Runs[0].StartedAt).To(Equal(*result.Runs[0].CompletedAt))
		Expect(adapter.commits).To(BeEmpty())

		_, err := os.Stat(filepath.Join(workspacePath(), "uploads", "a.txt"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())

		Expect(persisted()).To(HaveLen(1))
		logData, err := os.ReadFile(logPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logData)).To(ContainSubstring("Skip (unchanged): a.txt"))
	})

	It("bypasses the unchanged check when forced", func() {
		adapter.unchanged["uploads/a.txt"] = true
		req := request(source("a.txt", "A"))
		req.Force = true

		result := orch.Run(ctx, req, events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCompleted))
		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusSuccess))
		Expect(adapter.commits).To(HaveLen(1))
		Expect(adapter.commits[0].RelativePath).To(Equal("uploads/a.txt"))
	})

	It("halts the batch at the first push failure", func() {
		adapter.pushErrs[2] = errors.New("remote rejected")
		files := []string{source("1.txt", "1"), source("2.txt", "2"), source("3.txt", "3")}

		result := orch.Run(ctx, request(files...), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Message).To(ContainSubstring("remote rejected"))
		Expect(result.Runs).To(HaveLen(2))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusSuccess))
		Expect(result.Runs[1].Status).To(Equal(store.RunStatusFailed))
		Expect(result.Runs[1].ErrorMessage).To(Equal("remote rejected"))
		Expect(result.Runs[1].SHA).To(BeEmpty())
		Expect(result.Runs[1].CompletedAt).NotTo(BeNil())

		Expect(adapter.commits).To(HaveLen(2))
		_, err := os.Stat(filepath.Join(workspacePath(), "uploads", "3.txt"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())

		Expect(persisted()).To(HaveLen(2))

		failures := events.failures()
		Expect(failures).To(HaveLen(1))
		Expect(failures[0].Stage).To(Equal(pipeline.StageFailed))
		Expect(failures[0].FileIndex).To(Equal(2))
		Expect(failures[0].Message).To(Equal("remote rejected"))

		logData, err := os.ReadFile(logPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logData)).To(ContainSubstring("FAIL: 2.txt - remote rejected"))
	})

	It("records a failed run and halts when the copy fails", func() {
		missing := filepath.Join(sourceDir, "missing.txt")
		later := source("later.txt", "L")

		result := orch.Run(ctx, request(missing, later), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusFailed))
		Expect(result.Runs[0].ErrorMessage).To(ContainSubstring("missing.txt"))
		Expect(adapter.commits).To(BeEmpty())
		Expect(persisted()).To(HaveLen(1))

		logData, err := os.ReadFile(logPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logData)).To(ContainSubstring("ERROR: "))
	})

	It("fails before touching files when the account is unknown", func() {
		req := request(source("a.txt", "A"))
		req.AccountID = "ghost"

		result := orch.Run(ctx, req, events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Message).To(Equal("Account not found."))
		Expect(result.Runs).To(BeEmpty())
		Expect(adapter.cloned).To(BeEmpty())
		Expect(persisted()).To(BeEmpty())
		Expect(events.all()).To(HaveLen(1))
		Expect(events.all()[0].IsFailed).To(BeTrue())
		Expect(events.all()[0].FileIndex).To(Equal(0))
	})

	It("fails before touching files when the token is missing", func() {
		accts.accounts["acct-1"] = ""

		result := orch.Run(ctx, request(source("a.txt", "A")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Message).To(Equal("Token not found for account."))
		Expect(result.Runs).To(BeEmpty())
		Expect(adapter.cloned).To(BeEmpty())
		Expect(persisted()).To(BeEmpty())
	})

	It("reports clone failures without recording runs", func() {
		adapter.cloneErr = errors.New("authentication failed")

		result := orch.Run(ctx, request(source("a.txt", "A")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Message).To(ContainSubstring("authentication failed"))
		Expect(result.Runs).To(BeEmpty())
		Expect(persisted()).To(BeEmpty())
		Expect(events.failures()).To(HaveLen(1))
	})

	It("stops on cancellation without recording the file in flight", func() {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		adapter.onPush = func(pushCtx context.Context, call int) error {
			if call == 2 {
				cancel()
				return pushCtx.Err()
			}
			return nil
		}
		files := []string{source("1.txt", "1"), source("2.txt", "2"), source("3.txt", "3")}

		result := orch.Run(cctx, request(files...), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCancelled))
		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusSuccess))
		Expect(adapter.commits).To(HaveLen(2))
		Expect(events.failures()).To(BeEmpty())

		runs := persisted()
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].Status).To(Equal(store.RunStatusSuccess))
	})

	It("does nothing when cancelled before the first file", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		result := orch.Run(cctx, request(source("a.txt", "A")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCancelled))
		Expect(result.Runs).To(BeEmpty())
		Expect(adapter.commits).To(BeEmpty())
		Expect(persisted()).To(BeEmpty())
	})

	It("builds commit messages from a trimmed prefix", func() {
		req := request(source("a.txt", "A"))
		req.MessagePrefix = "  Add report  "

		orch.Run(ctx, req, events)

		Expect(adapter.commits).To(HaveLen(1))
		Expect(adapter.commits[0].Message).To(Equal("Add report a.txt"))
	})

	It("renames colliding uploads and commits the renamed path", func() {
		Expect(os.MkdirAll(filepath.Join(workspacePath(), "uploads"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(workspacePath(), "uploads", "a.txt"), []byte("old"), 0o644)).To(Succeed())

		result := orch.Run(ctx, request(source("a.txt", "new")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusCompleted))
		Expect(adapter.commits).To(HaveLen(1))
		Expect(adapter.commits[0].RelativePath).To(Equal("uploads/a (2).txt"))
		Expect(adapter.commits[0].Message).To(Equal("Upload a (2).txt"))
	})

	It("caps persisted history at the most recent runs", func() {
		old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		existing := make([]store.CommitRun, store.MaxRunHistory-1)
		for i := range existing {
			existing[i] = store.CommitRun{
				ID:        fmt.Sprintf("old_%d", i),
				Status:    store.RunStatusSuccess,
				StartedAt: old.Add(time.Duration(i) * time.Minute),
			}
		}
		Expect(st.SaveRuns(ctx, existing)).To(Succeed())

		result := orch.Run(ctx, request(source("1.txt", "1"), source("2.txt", "2"), source("3.txt", "3")), events)
		Expect(result.Runs).To(HaveLen(3))

		runs := persisted()
		Expect(runs).To(HaveLen(store.MaxRunHistory))
		ids := map[string]bool{}
		for _, run := range runs {
			ids[run.ID] = true
		}
		for _, run := range result.Runs {
			Expect(ids).To(HaveKey(run.ID))
		}
		Expect(ids).NotTo(HaveKey("old_0"))
		for i := 1; i < len(runs); i++ {
			Expect(runs[i-1].StartedAt.Before(runs[i].StartedAt)).To(BeFalse())
		}
	})

	It("delivers every event for a file before the next file starts", func() {
		orch.Run(ctx, request(source("a.txt", "A"), source("b.txt", "B")), events)

		var stages []pipeline.Stage
		lastIndex := 0
		for _, e := range events.all() {
			Expect(e.FileIndex).To(BeNumerically(">=", lastIndex))
			Expect(e.TotalFiles).To(Equal(2))
			lastIndex = e.FileIndex
			if e.FileIndex == 1 {
				stages = append(stages, e.Stage)
			}
		}
		Expect(stages).To(Equal([]pipeline.Stage{
			pipeline.StagePreparing,
			pipeline.StagePacking,
			pipeline.StagePacking,
			pipeline.StageUploading,
			pipeline.StageDone,
		}))
		Expect(lastIndex).To(Equal(2))
	})

	It("fails the file when the unchanged check errors", func() {
		adapter.unchangedErr = errors.New("git status failed")

		result := orch.Run(ctx, request(source("a.txt", "A"), source("b.txt", "B")), events)

		Expect(result.Status).To(Equal(pipeline.BatchStatusFailed))
		Expect(result.Runs).To(HaveLen(1))
		Expect(result.Runs[0].Status).To(Equal(store.RunStatusFailed))
		Expect(adapter.commits).To(BeEmpty())
	})
})
