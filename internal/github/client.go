package gh

import (
	"context"
	"errors"
)

// User is the identity behind a validated token.
type User struct {
	Login     string
	AvatarURL string
}

// Repository is a repository the authenticated user can push to.
type Repository struct {
	FullName      string
	DefaultBranch string
	Private       bool
	CloneURL      string
}

// Client exposes the hosted API operations used for accounts and repository selection.
type Client interface {
	ValidateToken(ctx context.Context) (User, error)
	ListRepositories(ctx context.Context) ([]Repository, error)
	GetRepository(ctx context.Context, fullName string) (Repository, error)
}

// Factory builds concrete GitHub clients (e.g., REST-backed) bound to a token.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// DefaultBranchFallback is reported when the API omits a repository's default branch.
const DefaultBranchFallback = "main"

var (
	// ErrUnauthorized indicates the token was rejected.
	ErrUnauthorized = errors.New("github: token rejected")

	// ErrRepositoryNotFound indicates the repository does not exist or is not visible to the token.
	ErrRepositoryNotFound = errors.New("github: repository not found")
)

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
