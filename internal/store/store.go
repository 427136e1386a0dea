// Package store persists accounts, commit run history, and settings as whole
// collections that are read and replaced atomically.
package store

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a CommitRun.
type RunStatus string

const (
	RunStatusPending RunStatus = "Pending"
	RunStatusSuccess RunStatus = "Success"
	RunStatusFailed  RunStatus = "Failed"
	RunStatusSkipped RunStatus = "Skipped"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusSkipped
}

// Account is a user-selected identity. The token itself lives in the credential
// vault under SecretKey and is never written to the store.
type Account struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	SecretKey string `json:"secretKey"`
	Login     string `json:"login,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// CommitRun records the outcome of one file within a batch.
type CommitRun struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	RepoFullName    string     `json:"repoFullName"`
	Branch          string     `json:"branch"`
	FileName        string     `json:"fileName"`
	Status          RunStatus  `json:"status"`
	SHA             string     `json:"sha,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	AvgSpeedMBps    *float64   `json:"avgSpeedMbps,omitempty"`
	LogFilePath     string     `json:"logFilePath,omitempty"`
}

// Settings is a free-form string map.
type Settings map[string]string

// MaxRunHistory caps the persisted run history.
const MaxRunHistory = 500

// ErrAccountNotFound is returned when an account identifier is unknown.
var ErrAccountNotFound = errors.New("store: account not found")

// Store is the durable collection store. Reads return an empty collection when
// nothing has been saved or the saved data cannot be decoded. Saves replace the
// whole collection atomically.
type Store interface {
	Accounts(ctx context.Context) ([]Account, error)
	SaveAccounts(ctx context.Context, accounts []Account) error

	Runs(ctx context.Context) ([]CommitRun, error)
	SaveRuns(ctx context.Context, runs []CommitRun) error

	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error

	Close() error
}

// FindAccount returns the account with the given identifier or ErrAccountNotFound.
func FindAccount(accounts []Account, id string) (Account, error) {
	for _, acct := range accounts {
		if acct.ID == id {
			return acct, nil
		}
	}
	return Account{}, ErrAccountNotFound
}
