package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rancher/git-uploader/internal/accounts"
	"github.com/rancher/git-uploader/internal/git"
	gh "github.com/rancher/git-uploader/internal/github"
	"github.com/rancher/git-uploader/internal/pipeline"
	"github.com/rancher/git-uploader/internal/secrets"
	"github.com/rancher/git-uploader/internal/store"
	"github.com/rancher/git-uploader/internal/workspace"
)

const (
	settingLastAccount = "last_account"
	settingLastRepo    = "last_repo"
)

// Deps are the collaborators a Runner is built from.
type Deps struct {
	Store  store.Store
	Vault  secrets.Vault
	GitHub gh.Factory
	Git    git.Adapter
}

// Runner glues together the pipeline and supporting services behind the CLI.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer
	store     store.Store
	accounts  *accounts.Service
	orch      *pipeline.Orchestrator
	now       func() time.Time
}

// NewRunner constructs a Runner with the supplied configuration and the
// production store, vault, GitHub client, and git adapter.
func NewRunner(cfg Config) (*Runner, error) {
	logger, closer, err := NewLoggerFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	adapter := git.NewShellAdapter()
	adapter.Git = cfg.GitBinary
	adapter.UserName = cfg.GitUserName
	adapter.UserEmail = cfg.GitUserEmail
	adapter.NetworkTimeout = cfg.NetworkTimeout
	adapter.CloneRetries = cfg.CloneRetries
	adapter.Log = logger

	r := NewRunnerWithDeps(cfg, logger, Deps{
		Store:  st,
		Vault:  openVault(cfg),
		GitHub: gh.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL),
		Git:    adapter,
	})
	r.logCloser = closer
	return r, nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, deps Deps) *Runner {
	svc := &accounts.Service{Store: deps.Store, Vault: deps.Vault, GitHub: deps.GitHub, Log: log}
	resolver := workspace.NewResolver(cfg.WorkspacesDir())
	return &Runner{
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		accounts: svc,
		orch:     pipeline.New(svc, resolver, deps.Git, deps.Store, log),
		now:      time.Now,
	}
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return store.NewJSONStore(cfg.StoreDir()), nil
	}
}

func openVault(cfg Config) secrets.Vault {
	if cfg.SecretBackend == "memory" {
		return secrets.NewMemoryVault()
	}
	return secrets.NewKeyringVault(cfg.KeyringService)
}

// Close releases the store and the log file.
func (r *Runner) Close() error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.logCloser != nil {
		errs = append(errs, r.logCloser.Close())
	}
	return errors.Join(errs...)
}

// AddAccount validates token and registers a new account.
func (r *Runner) AddAccount(ctx context.Context, label, token string) (store.Account, error) {
	return r.accounts.Add(ctx, label, token)
}

// ListAccounts returns all registered accounts.
func (r *Runner) ListAccounts(ctx context.Context) ([]store.Account, error) {
	return r.accounts.List(ctx)
}

// RemoveAccount deletes an account and its token.
func (r *Runner) RemoveAccount(ctx context.Context, accountID string) error {
	return r.accounts.Remove(ctx, accountID)
}

// ListRepositories returns the repositories visible to the account.
func (r *Runner) ListRepositories(ctx context.Context, accountID string) ([]gh.Repository, error) {
	accountID, err := r.accountOrLast(ctx, accountID)
	if err != nil {
		return nil, err
	}
	client, err := r.accounts.Client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return retryAPI(ctx, r.log, "list repositories", func() ([]gh.Repository, error) {
		return client.ListRepositories(ctx)
	})
}

// ListRuns returns up to limit runs from history, most recent first. A
// non-positive limit returns everything.
func (r *Runner) ListRuns(ctx context.Context, limit int) ([]store.CommitRun, error) {
	runs, err := r.store.Runs(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UploadOptions selects what to upload and where. Empty AccountID and Repo fall
// back to the last used values; an empty Branch uses the repository default.
type UploadOptions struct {
	AccountID     string
	Repo          string
	Branch        string
	MessagePrefix string
	Files         []string
	Force         bool
}

// Upload runs one batch and remembers the account and repository for next time.
func (r *Runner) Upload(ctx context.Context, opts UploadOptions, reporter pipeline.Reporter) (pipeline.Result, error) {
	if len(opts.Files) == 0 {
		return pipeline.Result{}, fmt.Errorf("at least one file is required")
	}

	accountID, err := r.accountOrLast(ctx, opts.AccountID)
	if err != nil {
		return pipeline.Result{}, err
	}

	repoName := strings.TrimSpace(opts.Repo)
	if repoName == "" {
		repoName = r.setting(ctx, settingLastRepo)
	}
	if repoName == "" {
		return pipeline.Result{}, fmt.Errorf("repository is required")
	}

	client, err := r.accounts.Client(ctx, accountID)
	if err != nil {
		return pipeline.Result{}, err
	}
	repo, err := retryAPI(ctx, r.log, "get repository", func() (gh.Repository, error) {
		return client.GetRepository(ctx, repoName)
	})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("resolve repository: %w", err)
	}

	cloneURL := repo.CloneURL
	if cloneURL == "" {
		cloneURL = cloneURLFor(r.cfg, repo.FullName)
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = repo.DefaultBranch
	}

	files := make([]string, 0, len(opts.Files))
	for _, f := range opts.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("resolve %s: %w", f, err)
		}
		files = append(files, abs)
	}

	r.rememberSelection(ctx, accountID, repo.FullName)

	req := pipeline.Request{
		AccountID:     accountID,
		RepoFullName:  repo.FullName,
		CloneURL:      cloneURL,
		Branch:        branch,
		Files:         files,
		MessagePrefix: opts.MessagePrefix,
		Force:         opts.Force,
		LogPath:       filepath.Join(r.cfg.LogsDir(), "batch_"+r.now().UTC().Format("20060102_150405")+".log"),
	}

	result := r.orch.Run(ctx, req, reporter)

	if err := r.writeStepSummary(result); err != nil && r.log != nil {
		r.log.Warn("failed to write step summary", "error", err)
	}
	if err := r.writeGitHubOutputs(result); err != nil && r.log != nil {
		r.log.Warn("failed to write action outputs", "error", err)
	}

	return result, nil
}

func (r *Runner) accountOrLast(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		accountID = r.setting(ctx, settingLastAccount)
	}
	if accountID == "" {
		return "", fmt.Errorf("account is required")
	}
	return accountID, nil
}

func (r *Runner) setting(ctx context.Context, key string) string {
	settings, err := r.store.Settings(ctx)
	if err != nil {
		return ""
	}
	return settings[key]
}

func (r *Runner) rememberSelection(ctx context.Context, accountID, repoFullName string) {
	settings, err := r.store.Settings(ctx)
	if err != nil || settings == nil {
		settings = store.Settings{}
	}
	settings[settingLastAccount] = accountID
	settings[settingLastRepo] = repoFullName
	if err := r.store.SaveSettings(ctx, settings); err != nil && r.log != nil {
		r.log.Warn("failed to save settings", "error", err)
	}
}

// cloneURLFor builds an HTTPS clone URL for fullName on github.com or on the
// configured Enterprise host.
func cloneURLFor(cfg Config, fullName string) string {
	root := "https://github.com"
	if base := strings.TrimSpace(cfg.GitHubBaseURL); base != "" {
		if parsed, err := url.Parse(base); err == nil && parsed.Scheme != "" && parsed.Host != "" {
			root = (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String()
		}
	}
	return fmt.Sprintf("%s/%s.git", strings.TrimRight(root, "/"), fullName)
}
