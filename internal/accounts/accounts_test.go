package accounts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gh "github.com/rancher/git-uploader/internal/github"
	"github.com/rancher/git-uploader/internal/secrets"
	"github.com/rancher/git-uploader/internal/store"
)

type fakeClient struct {
	user  gh.User
	err   error
	repos []gh.Repository
}

func (c *fakeClient) ValidateToken(ctx context.Context) (gh.User, error) {
	return c.user, c.err
}

func (c *fakeClient) ListRepositories(ctx context.Context) ([]gh.Repository, error) {
	return c.repos, c.err
}

func (c *fakeClient) GetRepository(ctx context.Context, fullName string) (gh.Repository, error) {
	for _, r := range c.repos {
		if r.FullName == fullName {
			return r, nil
		}
	}
	return gh.Repository{}, gh.ErrRepositoryNotFound
}

type fakeFactory struct {
	client *fakeClient
	tokens []string
}

func (f *fakeFactory) New(ctx context.Context, token string) (gh.Client, error) {
	f.tokens = append(f.tokens, token)
	return f.client, nil
}

type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) SaveAccounts(ctx context.Context, accounts []store.Account) error {
	return s.err
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newService(t *testing.T) (*Service, *secrets.MemoryVault, *fakeFactory) {
	t.Helper()
	vault := secrets.NewMemoryVault()
	factory := &fakeFactory{client: &fakeClient{user: gh.User{Login: "octocat", AvatarURL: "https://avatars/1"}}}
	return &Service{
		Store:   store.NewJSONStore(t.TempDir()),
		Vault:   vault,
		GitHub:  factory,
		NewUUID: sequentialIDs(),
	}, vault, factory
}

func TestAddStoresTokenInVaultOnly(t *testing.T) {
	ctx := context.Background()
	svc, vault, factory := newService(t)

	acct, err := svc.Add(ctx, " Work ", " ghp_token ")
	require.NoError(t, err)

	assert.Equal(t, "id-1", acct.ID)
	assert.Equal(t, "Work", acct.Label)
	assert.Equal(t, "github-token-id-2", acct.SecretKey)
	assert.Equal(t, "octocat", acct.Login)
	assert.Equal(t, "https://avatars/1", acct.AvatarURL)
	assert.Equal(t, []string{"ghp_token"}, factory.tokens)

	token, err := vault.Retrieve(acct.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "ghp_token", token)

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, acct, listed[0])
}

func TestAddDefaultsLabelToLogin(t *testing.T) {
	svc, _, _ := newService(t)

	acct, err := svc.Add(context.Background(), "", "ghp_token")
	require.NoError(t, err)
	assert.Equal(t, "octocat", acct.Label)
}

func TestAddRejectsInvalidToken(t *testing.T) {
	ctx := context.Background()
	svc, _, factory := newService(t)
	factory.client.err = gh.ErrUnauthorized

	_, err := svc.Add(ctx, "Work", "bad")
	require.ErrorIs(t, err, gh.ErrUnauthorized)

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = svc.Add(ctx, "Work", "   ")
	assert.Error(t, err)
}

func TestAddRollsBackVaultOnStoreFailure(t *testing.T) {
	svc, vault, _ := newService(t)
	boom := errors.New("disk full")
	svc.Store = &failingStore{Store: svc.Store, err: boom}

	_, err := svc.Add(context.Background(), "Work", "ghp_token")
	require.ErrorIs(t, err, boom)

	_, err = vault.Retrieve("github-token-id-2")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestResolveAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, vault, _ := newService(t)

	first, err := svc.Add(ctx, "First", "tok-1")
	require.NoError(t, err)
	second, err := svc.Add(ctx, "Second", "tok-2")
	require.NoError(t, err)

	acct, token, err := svc.Resolve(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second, acct)
	assert.Equal(t, "tok-2", token)

	require.NoError(t, svc.Remove(ctx, first.ID))

	_, _, err = svc.Resolve(ctx, first.ID)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
	_, err = vault.Retrieve(first.SecretKey)
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, second.ID, listed[0].ID)

	assert.ErrorIs(t, svc.Remove(ctx, "unknown"), store.ErrAccountNotFound)
}

func TestRemoveToleratesMissingToken(t *testing.T) {
	ctx := context.Background()
	svc, vault, _ := newService(t)

	acct, err := svc.Add(ctx, "Work", "tok")
	require.NoError(t, err)
	require.NoError(t, vault.Delete(acct.SecretKey))

	require.NoError(t, svc.Remove(ctx, acct.ID))
}

func TestResolveMissingToken(t *testing.T) {
	ctx := context.Background()
	svc, vault, _ := newService(t)

	acct, err := svc.Add(ctx, "Work", "tok")
	require.NoError(t, err)
	require.NoError(t, vault.Delete(acct.SecretKey))

	_, _, err = svc.Resolve(ctx, acct.ID)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestClientUsesResolvedToken(t *testing.T) {
	ctx := context.Background()
	svc, _, factory := newService(t)
	factory.client.repos = []gh.Repository{{FullName: "octo/repo", DefaultBranch: "main"}}

	acct, err := svc.Add(ctx, "Work", "tok")
	require.NoError(t, err)

	client, err := svc.Client(ctx, acct.ID)
	require.NoError(t, err)
	repos, err := client.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
	assert.Equal(t, []string{"tok", "tok"}, factory.tokens)
}
