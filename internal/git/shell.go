package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// tokenUser is the username paired with a token for HTTPS authentication.
const tokenUser = "x-access-token"

// ShellAdapter drives the system git binary.
type ShellAdapter struct {
	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// UserName and UserEmail form the author and committer identity of every commit.
	UserName  string
	UserEmail string

	// RemoteName is the remote pushed to. Defaults to "origin".
	RemoteName string

	// CloneRetries controls how many additional clone attempts are made after a
	// failure. Zero disables retries. Pushes are never retried.
	CloneRetries int

	// CloneRetryDelay is the initial backoff between clone attempts. When zero,
	// a default of 1 second is used. Backoff doubles per attempt.
	CloneRetryDelay time.Duration

	// NetworkTimeout bounds clone and push when the caller's context has no
	// deadline. When zero, a default of 30 minutes is used.
	NetworkTimeout time.Duration

	// Now is the clock used for timing and throughput. Defaults to time.Now.
	Now func() time.Time

	Log *slog.Logger
}

var _ Adapter = (*ShellAdapter)(nil)

// NewShellAdapter returns an Adapter backed by system git commands.
func NewShellAdapter() *ShellAdapter {
	return &ShellAdapter{}
}

func (a *ShellAdapter) gitBinary() string {
	if a.Git == "" {
		return "git"
	}
	return a.Git
}

func (a *ShellAdapter) remoteName() string {
	if a.RemoteName == "" {
		return "origin"
	}
	return a.RemoteName
}

func (a *ShellAdapter) userName() string {
	if a.UserName == "" {
		return "Git Uploader"
	}
	return a.UserName
}

func (a *ShellAdapter) userEmail() string {
	if a.UserEmail == "" {
		return "noreply@localhost"
	}
	return a.UserEmail
}

func (a *ShellAdapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// EnsureCloned performs a full clone of cloneURL into workspacePath unless a
// repository already exists there. The token is used for the transfer only and
// is not written to the repository configuration.
func (a *ShellAdapter) EnsureCloned(ctx context.Context, cloneURL, workspacePath, token string) error {
	if cloneURL == "" || workspacePath == "" {
		return fmt.Errorf("clone url and workspace path are required")
	}

	if _, err := os.Stat(filepath.Join(workspacePath, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("inspect workspace: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(workspacePath), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}

	_, statErr := os.Stat(workspacePath)
	createdByClone := errors.Is(statErr, fs.ErrNotExist)

	if a.Log != nil {
		a.Log.Info("cloning repository", "workspace", workspacePath)
	}

	if err := a.runGit(ctx, token, "clone", withToken(cloneURL, token), workspacePath); err != nil {
		if createdByClone {
			_ = os.RemoveAll(workspacePath)
		}
		return fmt.Errorf("git clone: %w", err)
	}

	if token != "" && withToken(cloneURL, token) != cloneURL {
		if err := a.runGit(ctx, "", "-C", workspacePath, "remote", "set-url", a.remoteName(), cloneURL); err != nil {
			return fmt.Errorf("git remote set-url: %w", err)
		}
	}

	return nil
}

// IsPathUnchanged reports true when relativePath does not exist in the working
// tree or git status shows no modification or addition for it.
func (a *ShellAdapter) IsPathUnchanged(ctx context.Context, workspacePath, relativePath string) (bool, error) {
	full := filepath.Join(workspacePath, filepath.FromSlash(relativePath))
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("inspect %s: %w", relativePath, err)
	}

	out, err := a.captureGitOutput(ctx, "-C", workspacePath, "status", "--porcelain", "--untracked-files=all", "--", toRepoSlash(relativePath))
	if err != nil {
		return false, fmt.Errorf("git status %s: %w", relativePath, err)
	}
	return strings.TrimSpace(out) == "", nil
}

// EnsureBranchCheckedOut switches the workspace to branch. An existing local
// branch wins, then a remote-tracking branch (a tracking local branch is created
// from its tip), and otherwise a new branch is created from the current HEAD.
func (a *ShellAdapter) EnsureBranchCheckedOut(ctx context.Context, workspacePath, branch string) error {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return fmt.Errorf("branch is required")
	}

	if current, err := a.currentBranch(ctx, workspacePath); err == nil && current == branch {
		return nil
	}

	local, err := a.refExists(ctx, workspacePath, "refs/heads/"+branch)
	if err != nil {
		return err
	}
	if local {
		if err := a.runGit(ctx, "", "-C", workspacePath, "checkout", branch); err != nil {
			return fmt.Errorf("git checkout %s: %w", branch, err)
		}
		return nil
	}

	remoteRef := a.remoteName() + "/" + branch
	remote, err := a.refExists(ctx, workspacePath, "refs/remotes/"+remoteRef)
	if err != nil {
		return err
	}
	if remote {
		if err := a.runGit(ctx, "", "-C", workspacePath, "checkout", "-b", branch, "--track", remoteRef); err != nil {
			return fmt.Errorf("git checkout -b %s --track %s: %w", branch, remoteRef, err)
		}
		return nil
	}

	if err := a.runGit(ctx, "", "-C", workspacePath, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("git checkout -b %s: %w", branch, err)
	}
	return nil
}

// CommitAndPush checks out req.Branch, stages and commits req.RelativePath alone,
// and pushes the branch to origin while reporting progress.
func (a *ShellAdapter) CommitAndPush(ctx context.Context, req CommitRequest, progress ProgressFunc) (PushResult, error) {
	if req.WorkspacePath == "" || req.RelativePath == "" {
		return PushResult{}, fmt.Errorf("workspace path and relative path are required")
	}

	start := a.now()
	path := toRepoSlash(req.RelativePath)

	remoteURL, err := a.remoteURL(ctx, req.WorkspacePath)
	if err != nil {
		return PushResult{}, err
	}

	if err := a.EnsureBranchCheckedOut(ctx, req.WorkspacePath, req.Branch); err != nil {
		return PushResult{}, fmt.Errorf("checkout branch: %w", err)
	}

	if err := a.runGit(ctx, "", "-C", req.WorkspacePath, "add", "--", path); err != nil {
		return PushResult{}, fmt.Errorf("git add %s: %w", path, err)
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "Upload " + filepath.Base(filepath.FromSlash(path))
	}
	commitArgs := []string{
		"-C", req.WorkspacePath,
		"-c", "user.name=" + a.userName(),
		"-c", "user.email=" + a.userEmail(),
		"commit", "-m", message, "--", path,
	}
	if err := a.runGit(ctx, "", commitArgs...); err != nil {
		return PushResult{}, fmt.Errorf("git commit: %w", err)
	}

	sha, err := a.captureGitOutput(ctx, "-C", req.WorkspacePath, "rev-parse", "HEAD")
	if err != nil {
		return PushResult{}, fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	sha = strings.TrimSpace(sha)

	if a.Log != nil {
		a.Log.Debug("committed upload", "path", path, "sha", sha, "branch", req.Branch)
	}

	sampler := newThroughputSampler(a.now)
	if err := a.pushWithProgress(ctx, req.WorkspacePath, withToken(remoteURL, req.Token), req.Branch, req.Token, sampler, progress); err != nil {
		return PushResult{}, fmt.Errorf("git push %s: %w", req.Branch, err)
	}

	// The push went to a URL rather than the remote name, so git left the
	// remote-tracking ref behind.
	trackingRef := "refs/remotes/" + a.remoteName() + "/" + req.Branch
	if err := a.runGit(ctx, "", "-C", req.WorkspacePath, "update-ref", trackingRef, sha); err != nil {
		return PushResult{}, fmt.Errorf("update %s: %w", trackingRef, err)
	}

	sent, _, avg, peak := sampler.snapshot()
	if progress != nil {
		progress(PushProgress{
			Stage:           StageDone,
			BytesSent:       sent,
			AvgBytesPerSec:  avg,
			PeakBytesPerSec: peak,
		})
	}

	return PushResult{SHA: sha, BytesSent: sent, Elapsed: a.now().Sub(start)}, nil
}

func (a *ShellAdapter) pushWithProgress(ctx context.Context, workspacePath, pushURL, branch, token string, sampler *throughputSampler, progress ProgressFunc) error {
	pushCtx, cancel := a.applyNetworkTimeout(ctx)
	defer cancel()

	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	args := []string{"-C", workspacePath, "push", "--progress", pushURL, refspec}

	cmd := newGitCommand(pushCtx, a.gitBinary(), args...)

	// stdout is filled by exec's copy goroutine; output only by this one.
	var stdout, output bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &GitError{Args: redactArgs(args, token), Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &GitError{Args: redactArgs(args, token), Err: err}
	}

	scanner := bufio.NewScanner(io.TeeReader(stderr, &output))
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		if pushCtx.Err() != nil {
			killProcessGroup(cmd)
			break
		}

		line, ok := parseProgressLine(scanner.Text())
		if !ok {
			continue
		}

		report := PushProgress{
			Stage:          line.stage,
			CurrentObjects: line.current,
			TotalObjects:   line.total,
		}
		if line.stage == StageUploading {
			sent, _, _, _ := sampler.snapshot()
			if line.hasBytes {
				sent = line.bytes
			}
			report.BytesSent = sent
			report.InstantBytesPerSec, report.AvgBytesPerSec, report.PeakBytesPerSec = sampler.observe(sent)
		} else {
			report.BytesSent, report.InstantBytesPerSec, report.AvgBytesPerSec, report.PeakBytesPerSec = sampler.snapshot()
		}

		if progress != nil {
			progress(report)
		}
	}
	// Drain anything left so Wait does not block on a full pipe.
	_, _ = io.Copy(&output, stderr)

	waitErr := cmd.Wait()
	if ctxErr := pushCtx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		return &GitError{Args: redactArgs(args, token), Output: redact(stdout.String()+output.String(), token), Err: waitErr}
	}
	return nil
}

func (a *ShellAdapter) remoteURL(ctx context.Context, workspacePath string) (string, error) {
	out, err := a.captureGitOutput(ctx, "-C", workspacePath, "remote", "get-url", a.remoteName())
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return "", fmt.Errorf("%w: %s", ErrNoOrigin, strings.TrimSpace(gitErr.Output))
		}
		return "", err
	}
	remote := strings.TrimSpace(out)
	if remote == "" {
		return "", ErrNoOrigin
	}
	return remote, nil
}

func (a *ShellAdapter) currentBranch(ctx context.Context, workspacePath string) (string, error) {
	out, err := a.captureGitOutput(ctx, "-C", workspacePath, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *ShellAdapter) refExists(ctx context.Context, workspacePath, ref string) (bool, error) {
	_, err := a.captureGitOutput(ctx, "-C", workspacePath, "show-ref", "--verify", "--quiet", ref)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git show-ref %s: %w", ref, err)
}

func (a *ShellAdapter) captureGitOutput(ctx context.Context, args ...string) (string, error) {
	output, err := newGitCommand(ctx, a.gitBinary(), args...).CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &GitError{Args: args, Output: string(output), Err: err}
	}
	return string(output), nil
}

// runGit runs a git command, retrying clones according to CloneRetries. secret is
// redacted from any error produced.
func (a *ShellAdapter) runGit(ctx context.Context, secret string, args ...string) error {
	primary := primaryGitCommand(args)
	isNetwork := isNetworkCommand(primary)

	retries := 0
	if primary == "clone" {
		retries = a.cloneRetriesValue()
	}

	delay := a.cloneRetryDelayValue()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if isNetwork {
			attemptCtx, cancel = a.applyNetworkTimeout(ctx)
		}
		err := a.runGitOnce(attemptCtx, secret, args...)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == retries {
			break
		}

		if a.Log != nil {
			a.Log.Warn("retrying git command", "command", primary, "attempt", attempt+1, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return lastErr
}

func (a *ShellAdapter) runGitOnce(ctx context.Context, secret string, args ...string) error {
	cmd := newGitCommand(ctx, a.gitBinary(), args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &GitError{Args: redactArgs(args, secret), Output: redact(output.String(), secret), Err: err}
	}
	return nil
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "clone", "fetch", "push", "pull":
		return true
	default:
		return false
	}
}

func (a *ShellAdapter) cloneRetriesValue() int {
	if a.CloneRetries < 0 {
		return 0
	}
	return a.CloneRetries
}

func (a *ShellAdapter) cloneRetryDelayValue() time.Duration {
	if a.CloneRetryDelay <= 0 {
		return time.Second
	}
	return a.CloneRetryDelay
}

func (a *ShellAdapter) networkTimeoutValue() time.Duration {
	if a.NetworkTimeout <= 0 {
		return 30 * time.Minute
	}
	return a.NetworkTimeout
}

func (a *ShellAdapter) applyNetworkTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && !deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.networkTimeoutValue())
}

// withToken embeds token into http(s) URLs as x-access-token credentials. Other
// URLs, and URLs that already carry credentials, are returned unchanged.
func withToken(raw, token string) string {
	if token == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User != nil {
		return raw
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return raw
	}
	parsed.User = url.UserPassword(tokenUser, token)
	return parsed.String()
}

func toRepoSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}

func redactArgs(args []string, secret string) []string {
	if secret == "" {
		return args
	}
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = redact(arg, secret)
	}
	return out
}

// GitError wraps failures when invoking the git binary.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *GitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
