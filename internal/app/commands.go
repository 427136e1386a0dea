package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rancher/git-uploader/internal/pipeline"
)

type runnerFactory func() (*Runner, error)

func defaultRunnerFactory() (*Runner, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewRunner(cfg)
}

// NewRootCommand returns the git-uploader command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultRunnerFactory)
}

func newRootCommand(newRunner runnerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "git-uploader",
		Short:         "Upload local files into a GitHub repository, one commit per file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newAccountCommand(newRunner),
		newReposCommand(newRunner),
		newUploadCommand(newRunner),
		newRunsCommand(newRunner),
	)
	return root
}

// withRunner builds a Runner for the duration of one command.
func withRunner(newRunner runnerFactory, fn func(*cobra.Command, []string, *Runner) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		r, err := newRunner()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, args, r)
	}
}

func newAccountCommand(newRunner runnerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage upload accounts",
	}

	var label, tokenEnv string
	add := &cobra.Command{
		Use:   "add",
		Short: "Validate a token and register it as a new account",
		Example: `  # register the token in $GITHUB_TOKEN
  git-uploader account add --label work`,
		Args: cobra.NoArgs,
		RunE: withRunner(newRunner, func(cmd *cobra.Command, _ []string, r *Runner) error {
			token := strings.TrimSpace(os.Getenv(tokenEnv))
			if token == "" {
				return fmt.Errorf("environment variable %s is empty", tokenEnv)
			}
			acct, err := r.AddAccount(cmd.Context(), label, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added account %s (%s as %s)\n", acct.ID, acct.Label, acct.Login)
			return nil
		}),
	}
	add.Flags().StringVar(&label, "label", "", "display label (defaults to the GitHub login)")
	add.Flags().StringVar(&tokenEnv, "token-env", "GITHUB_TOKEN", "environment variable holding the token")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		Args:  cobra.NoArgs,
		RunE: withRunner(newRunner, func(cmd *cobra.Command, _ []string, r *Runner) error {
			accts, err := r.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tLOGIN")
			for _, a := range accts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Label, a.Login)
			}
			return w.Flush()
		}),
	}

	remove := &cobra.Command{
		Use:   "remove ACCOUNT_ID",
		Short: "Remove an account and its stored token",
		Args:  cobra.ExactArgs(1),
		RunE: withRunner(newRunner, func(cmd *cobra.Command, args []string, r *Runner) error {
			if err := r.RemoveAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed account %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newReposCommand(newRunner runnerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Browse repositories",
	}

	var account string
	list := &cobra.Command{
		Use:   "list",
		Short: "List repositories the account can access",
		Args:  cobra.NoArgs,
		RunE: withRunner(newRunner, func(cmd *cobra.Command, _ []string, r *Runner) error {
			repos, err := r.ListRepositories(cmd.Context(), account)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tDEFAULT BRANCH\tVISIBILITY")
			for _, repo := range repos {
				visibility := "public"
				if repo.Private {
					visibility = "private"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", repo.FullName, repo.DefaultBranch, visibility)
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVar(&account, "account", "", "account ID (defaults to the last used account)")

	cmd.AddCommand(list)
	return cmd
}

func newUploadCommand(newRunner runnerFactory) *cobra.Command {
	var opts UploadOptions
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Commit and push each file into the repository's uploads folder",
		Example: `  # upload two files to the default branch
  git-uploader upload --account 3f2a... --repo octo/data a.csv b.csv

  # upload to a feature branch with a custom message prefix
  git-uploader upload --repo octo/data --branch nightly --message-prefix "Nightly export" dump.sql`,
		Args: cobra.MinimumNArgs(1),
		RunE: withRunner(newRunner, func(cmd *cobra.Command, args []string, r *Runner) error {
			opts.Files = args
			result, err := r.Upload(cmd.Context(), opts, newProgressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), RenderBatchSummary(result))

			switch result.Status {
			case pipeline.BatchStatusFailed:
				return fmt.Errorf("upload failed: %s", result.Message)
			case pipeline.BatchStatusCancelled:
				return errors.New("upload cancelled")
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "account ID (defaults to the last used account)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository as owner/name (defaults to the last used repository)")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "target branch (defaults to the repository default branch)")
	cmd.Flags().StringVar(&opts.MessagePrefix, "message-prefix", "", "commit message prefix; the file name is appended")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "commit every file even when the unchanged check would skip it")
	return cmd
}

func newRunsCommand(newRunner runnerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect upload history",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recorded runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: withRunner(newRunner, func(cmd *cobra.Command, _ []string, r *Runner) error {
			runs, err := r.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), RenderRuns(runs))
			return nil
		}),
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show (0 for all)")

	cmd.AddCommand(list)
	return cmd
}

// progressPrinter writes one line per stage change and every failure.
type progressPrinter struct {
	mu        sync.Mutex
	w         io.Writer
	lastIndex int
	lastStage pipeline.Stage
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Report(e pipeline.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !e.IsFailed && e.FileIndex == p.lastIndex && e.Stage == p.lastStage {
		return
	}
	p.lastIndex, p.lastStage = e.FileIndex, e.Stage

	switch {
	case e.IsFailed:
		fmt.Fprintf(p.w, "error: %s\n", e.Message)
	case e.Stage == pipeline.StageUploading:
		fmt.Fprintf(p.w, "[%d/%d] %s (%s)\n", e.FileIndex, e.TotalFiles, e.Message, pipeline.FormatSpeed(e.AvgBytesPerSec))
	case e.Stage == pipeline.StageDone && e.AvgBytesPerSec > 0:
		fmt.Fprintf(p.w, "[%d/%d] %s (avg %s, peak %s)\n", e.FileIndex, e.TotalFiles, e.Message, pipeline.FormatSpeed(e.AvgBytesPerSec), pipeline.FormatSpeed(e.PeakBytesPerSec))
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s\n", e.FileIndex, e.TotalFiles, e.Message)
	}
}
