package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultUserAgent = "git-uploader"

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client *github.Client
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	if f.baseURL == "" && f.uploadURL != "" {
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	}

	var ghClient *github.Client
	if f.baseURL != "" {
		baseURLNormalized, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}

		uploadURL := f.uploadURL
		if uploadURL == "" {
			return nil, fmt.Errorf("github upload url must be provided when base url is set")
		}

		uploadURLNormalized, err := normalizeGitHubURL(uploadURL)
		if err != nil {
			return nil, fmt.Errorf("parse github upload url: %w", err)
		}

		ghClient, err = github.NewClient(tc).WithEnterpriseURLs(baseURLNormalized, uploadURLNormalized)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	} else {
		ghClient = github.NewClient(tc)
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) ValidateToken(ctx context.Context) (User, error) {
	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		if hasStatus(resp, err, http.StatusUnauthorized) {
			return User{}, ErrUnauthorized
		}
		err = classifyGitHubError(err)
		return User{}, fmt.Errorf("get authenticated user: %w", err)
	}
	return User{Login: user.GetLogin(), AvatarURL: user.GetAvatarURL()}, nil
}

func (c *restClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	opts := &github.RepositoryListOptions{
		Sort:        "full_name",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var results []Repository
	for {
		repos, resp, err := c.client.Repositories.List(ctx, "", opts)
		if err != nil {
			if hasStatus(resp, err, http.StatusUnauthorized) {
				return nil, ErrUnauthorized
			}
			err = classifyGitHubError(err)
			return nil, fmt.Errorf("list repositories: %w", err)
		}

		for _, repo := range repos {
			if repo == nil {
				continue
			}
			results = append(results, toRepository(repo))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return results, nil
}

func (c *restClient) GetRepository(ctx context.Context, fullName string) (Repository, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("repository must be in owner/name form, got %q", fullName)
	}

	repo, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		if hasStatus(resp, err, http.StatusNotFound) {
			return Repository{}, fmt.Errorf("%w: %s", ErrRepositoryNotFound, fullName)
		}
		if hasStatus(resp, err, http.StatusUnauthorized) {
			return Repository{}, ErrUnauthorized
		}
		err = classifyGitHubError(err)
		return Repository{}, fmt.Errorf("get repository %s: %w", fullName, err)
	}
	return toRepository(repo), nil
}

func toRepository(repo *github.Repository) Repository {
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = DefaultBranchFallback
	}
	return Repository{
		FullName:      repo.GetFullName(),
		DefaultBranch: branch,
		Private:       repo.GetPrivate(),
		CloneURL:      repo.GetCloneURL(),
	}
}

// hasStatus reports whether the call failed with the given HTTP status.
func hasStatus(resp *github.Response, err error, status int) bool {
	if resp != nil && resp.StatusCode == status {
		return true
	}
	var githubErr *github.ErrorResponse
	return errors.As(err, &githubErr) && githubErr.Response != nil && githubErr.Response.StatusCode == status
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		if respErr.Response != nil {
			code := respErr.Response.StatusCode
			if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
				return true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
