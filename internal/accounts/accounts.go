// Package accounts manages upload identities: their metadata in the store and
// their tokens in the credential vault.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	gh "github.com/rancher/git-uploader/internal/github"
	"github.com/rancher/git-uploader/internal/secrets"
	"github.com/rancher/git-uploader/internal/store"
)

// Resolver returns an account together with its token. The upload pipeline
// depends on this to authenticate clones and pushes.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (store.Account, string, error)
}

// Service implements account management on top of a store, a vault, and the
// hosted API.
type Service struct {
	Store   store.Store
	Vault   secrets.Vault
	GitHub  gh.Factory
	Log     *slog.Logger
	NewUUID func() string
}

var _ Resolver = (*Service)(nil)

func (s *Service) newID() string {
	if s.NewUUID != nil {
		return s.NewUUID()
	}
	return uuid.NewString()
}

// Add validates token, stores it in the vault under a fresh key, and appends a
// new account. The vault entry is removed again if the account cannot be saved.
func (s *Service) Add(ctx context.Context, label, token string) (store.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.Account{}, fmt.Errorf("token is required")
	}

	client, err := s.GitHub.New(ctx, token)
	if err != nil {
		return store.Account{}, fmt.Errorf("create github client: %w", err)
	}
	user, err := client.ValidateToken(ctx)
	if err != nil {
		return store.Account{}, fmt.Errorf("validate token: %w", err)
	}

	label = strings.TrimSpace(label)
	if label == "" {
		label = user.Login
	}

	acct := store.Account{
		ID:        s.newID(),
		Label:     label,
		SecretKey: "github-token-" + s.newID(),
		Login:     user.Login,
		AvatarURL: user.AvatarURL,
	}

	if err := s.Vault.Store(acct.SecretKey, token); err != nil {
		return store.Account{}, fmt.Errorf("store token: %w", err)
	}

	existing, err := s.Store.Accounts(ctx)
	if err == nil {
		err = s.Store.SaveAccounts(ctx, append(existing, acct))
	}
	if err != nil {
		if delErr := s.Vault.Delete(acct.SecretKey); delErr != nil && s.Log != nil {
			s.Log.Warn("failed to roll back stored token", "account", acct.ID, "error", delErr)
		}
		return store.Account{}, fmt.Errorf("save account: %w", err)
	}

	if s.Log != nil {
		s.Log.Info("account added", "account", acct.ID, "login", acct.Login)
	}
	return acct, nil
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]store.Account, error) {
	return s.Store.Accounts(ctx)
}

// Remove deletes the account and its token. A token already missing from the
// vault is not an error.
func (s *Service) Remove(ctx context.Context, accountID string) error {
	existing, err := s.Store.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	acct, err := store.FindAccount(existing, accountID)
	if err != nil {
		return err
	}

	if err := s.Vault.Delete(acct.SecretKey); err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return fmt.Errorf("delete token: %w", err)
	}

	remaining := make([]store.Account, 0, len(existing)-1)
	for _, a := range existing {
		if a.ID != accountID {
			remaining = append(remaining, a)
		}
	}
	if err := s.Store.SaveAccounts(ctx, remaining); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}

	if s.Log != nil {
		s.Log.Info("account removed", "account", accountID)
	}
	return nil
}

// Resolve returns the account and its token.
func (s *Service) Resolve(ctx context.Context, accountID string) (store.Account, string, error) {
	existing, err := s.Store.Accounts(ctx)
	if err != nil {
		return store.Account{}, "", fmt.Errorf("load accounts: %w", err)
	}

	acct, err := store.FindAccount(existing, accountID)
	if err != nil {
		return store.Account{}, "", fmt.Errorf("%w: %s", err, accountID)
	}

	token, err := s.Vault.Retrieve(acct.SecretKey)
	if err != nil {
		return store.Account{}, "", fmt.Errorf("retrieve token for %s: %w", accountID, err)
	}
	if token == "" {
		return store.Account{}, "", fmt.Errorf("retrieve token for %s: %w", accountID, secrets.ErrNotFound)
	}
	return acct, token, nil
}

// Client returns a hosted API client authenticated as the account.
func (s *Service) Client(ctx context.Context, accountID string) (gh.Client, error) {
	_, token, err := s.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.GitHub.New(ctx, token)
}
