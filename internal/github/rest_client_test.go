package gh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	factory := NewRESTFactory(server.URL, server.URL)
	client, err := factory.New(context.Background(), "token")
	if err != nil {
		t.Fatalf("factory.New returned error: %v", err)
	}
	return client
}

func TestRESTClientValidateToken(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"login": "octocat", "avatar_url": "https://avatars.example.com/u/1"}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	})

	user, err := newTestClient(t, handler).ValidateToken(context.Background())
	if err != nil {
		t.Fatalf("ValidateToken returned error: %v", err)
	}
	if user.Login != "octocat" || user.AvatarURL != "https://avatars.example.com/u/1" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestRESTClientValidateTokenUnauthorized(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "Bad credentials"})
	})

	_, err := newTestClient(t, handler).ValidateToken(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRESTClientListRepositoriesPagination(t *testing.T) {
	baseURL := ""
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/user/repos", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("expected per_page=100, got %q", got)
		}
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}

		w.Header().Set("Content-Type", "application/json")

		switch page {
		case "1":
			repos := []map[string]any{{
				"full_name":      "octo/alpha",
				"default_branch": "develop",
				"private":        true,
				"clone_url":      "https://github.example.com/octo/alpha.git",
			}}
			next := baseURL + "/api/v3/user/repos?per_page=100&page=2"
			w.Header().Set("Link", "<"+next+">; rel=\"next\", <"+next+">; rel=\"last\"")
			if err := json.NewEncoder(w).Encode(repos); err != nil {
				t.Errorf("encode page 1 repos: %v", err)
			}
		case "2":
			repos := []map[string]any{{
				"full_name": "octo/beta",
				"clone_url": "https://github.example.com/octo/beta.git",
			}}
			if err := json.NewEncoder(w).Encode(repos); err != nil {
				t.Errorf("encode page 2 repos: %v", err)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	server := httptest.NewServer(handler)
	defer server.Close()
	baseURL = server.URL

	client, err := NewRESTFactory(server.URL, server.URL).New(context.Background(), "token")
	if err != nil {
		t.Fatalf("factory.New returned error: %v", err)
	}

	repos, err := client.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("ListRepositories returned error: %v", err)
	}

	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}
	if repos[0].FullName != "octo/alpha" || repos[0].DefaultBranch != "develop" || !repos[0].Private {
		t.Fatalf("unexpected first repository: %+v", repos[0])
	}
	if repos[1].FullName != "octo/beta" || repos[1].DefaultBranch != DefaultBranchFallback || repos[1].Private {
		t.Fatalf("unexpected second repository: %+v", repos[1])
	}
}

func TestRESTClientGetRepository(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/repos/octo/alpha", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"full_name":      "octo/alpha",
			"default_branch": "trunk",
			"clone_url":      "https://github.example.com/octo/alpha.git",
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	})
	handler.HandleFunc("/api/v3/repos/octo/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "Not Found"})
	})

	client := newTestClient(t, handler)

	repo, err := client.GetRepository(context.Background(), "octo/alpha")
	if err != nil {
		t.Fatalf("GetRepository returned error: %v", err)
	}
	if repo.DefaultBranch != "trunk" || repo.CloneURL != "https://github.example.com/octo/alpha.git" {
		t.Fatalf("unexpected repository: %+v", repo)
	}

	if _, err := client.GetRepository(context.Background(), "octo/missing"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("expected ErrRepositoryNotFound, got %v", err)
	}

	if _, err := client.GetRepository(context.Background(), "not-a-full-name"); err == nil {
		t.Fatalf("expected error for malformed repository name")
	}
}

func TestRESTFactoryRejectsUploadURLWithoutBase(t *testing.T) {
	if _, err := NewRESTFactory("", "https://uploads.example.com").New(context.Background(), "token"); err == nil {
		t.Fatalf("expected error when only the upload url is set")
	}
	if _, err := NewRESTFactory("", "").New(context.Background(), ""); err == nil {
		t.Fatalf("expected error for an empty token")
	}
}
