package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rancher/git-uploader/internal/pipeline"
	"github.com/rancher/git-uploader/internal/store"
)

// writeStepSummary appends the batch table to $GITHUB_STEP_SUMMARY when the CLI
// runs inside a GitHub Actions job.
func (r *Runner) writeStepSummary(result pipeline.Result) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create summary directory: %w", err)
	}

	var builder strings.Builder
	builder.WriteString("## Upload summary\n\n")
	builder.WriteString(RenderBatchSummary(result))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && r.log != nil {
			r.log.Warn("failed to close step summary file", "error", closeErr)
		}
	}()

	if _, err := file.WriteString(builder.String()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}
	return nil
}

// writeGitHubOutputs exposes the batch outcome as step outputs when
// $GITHUB_OUTPUT is set.
func (r *Runner) writeGitHubOutputs(result pipeline.Result) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_OUTPUT"))
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create outputs directory: %w", err)
	}

	uploaded := make([]outputUploadedFile, 0)
	for _, run := range result.Runs {
		if run.Status == store.RunStatusSuccess {
			uploaded = append(uploaded, outputUploadedFile{File: run.FileName, SHA: run.SHA})
		}
	}

	uploadedJSON, err := json.Marshal(uploaded)
	if err != nil {
		return fmt.Errorf("marshal uploaded_files: %w", err)
	}

	summary := struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
		Runs    int    `json:"runs"`
	}{Status: string(result.Status), Message: result.Message, Runs: len(result.Runs)}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run_summary: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open github output: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && r.log != nil {
			r.log.Warn("failed to close github output file", "error", closeErr)
		}
	}()

	if err := writeMultilineOutput(file, "uploaded_files", string(uploadedJSON)); err != nil {
		return err
	}
	return writeMultilineOutput(file, "run_summary", string(summaryJSON))
}

type outputUploadedFile struct {
	File string `json:"file"`
	SHA  string `json:"sha"`
}

func writeMultilineOutput(file *os.File, key, value string) error {
	if _, err := fmt.Fprintf(file, "%s<<EOF\n%s\nEOF\n", key, value); err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	return nil
}

// RenderBatchSummary renders the runs of one batch as a markdown table followed
// by the batch outcome.
func RenderBatchSummary(result pipeline.Result) string {
	var builder strings.Builder

	if len(result.Runs) == 0 {
		builder.WriteString("No files were processed.\n")
	} else {
		builder.WriteString(renderRunTable(result.Runs, false))
	}

	switch result.Status {
	case pipeline.BatchStatusFailed:
		builder.WriteString(fmt.Sprintf("\nBatch failed: %s\n", sanitizeMarkdownCell(result.Message)))
	case pipeline.BatchStatusCancelled:
		builder.WriteString("\nBatch cancelled.\n")
	}
	return builder.String()
}

// RenderRuns renders persisted history, most recent first.
func RenderRuns(runs []store.CommitRun) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}
	return renderRunTable(runs, true)
}

func renderRunTable(runs []store.CommitRun, withContext bool) string {
	var builder strings.Builder

	if withContext {
		builder.WriteString("| Started | Repository | Branch | File | Status | Commit | Duration | Speed | Details |\n")
		builder.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- | --- |\n")
	} else {
		builder.WriteString("| File | Status | Commit | Duration | Speed | Details |\n")
		builder.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	}

	for _, run := range runs {
		commit := run.SHA
		if len(commit) > 7 {
			commit = commit[:7]
		}

		duration := "-"
		if run.DurationSeconds != nil {
			duration = pipeline.FormatDuration(time.Duration(*run.DurationSeconds * float64(time.Second)))
		}

		speed := "-"
		if run.AvgSpeedMBps != nil {
			speed = pipeline.FormatSpeed(*run.AvgSpeedMBps * 1024 * 1024)
		}

		cells := []string{run.FileName, string(run.Status), commit, duration, speed, run.ErrorMessage}
		if withContext {
			cells = append([]string{run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.RepoFullName, run.Branch}, cells...)
		}
		for i := range cells {
			cells[i] = sanitizeMarkdownCell(cells[i])
		}
		builder.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	return builder.String()
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
