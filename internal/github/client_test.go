package github

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

func TestParseRSAPrivateKeyPKCS1AndPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	pkcs1 := x509.MarshalPKCS1PrivateKey(key)
	parsed1, err := parseRSAPrivateKey(pkcs1)
	if err != nil {
		t.Fatalf("parse pkcs1: %v", err)
	}
	if parsed1.N.Cmp(key.N) != 0 {
		t.Fatal("parsed pkcs1 key does not match original")
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	parsed8, err := parseRSAPrivateKey(pkcs8)
	if err != nil {
		t.Fatalf("parse pkcs8: %v", err)
	}
	if parsed8.N.Cmp(key.N) != 0 {
		t.Fatal("parsed pkcs8 key does not match original")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrNoCredentials)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", Timeout: 5 * time.Second, MaxLogBytes: 1 << 20})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var testRepo = RepoRef{Owner: "octo", Name: "app"}

func TestGetRepositorySendsHeaders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, apiVersion, r.Header.Get("X-GitHub-Api-Version"))
		writeJSON(w, http.StatusOK, map[string]any{
			"name":           "app",
			"owner":          map[string]string{"login": "octo"},
			"default_branch": "main",
			"html_url":       "https://github.com/octo/app",
		})
	})
	c := newTestClient(t, mux)

	repo, err := c.GetRepository(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "octo", repo.Owner)
}

func TestAPIErrorKinds(t *testing.T) {
	cases := []struct {
		status      int
		rateLimited bool
		want        core.Kind
	}{
		{http.StatusTooManyRequests, false, core.KindTransientHost},
		{http.StatusBadGateway, false, core.KindTransientHost},
		{http.StatusForbidden, true, core.KindTransientHost},
		{http.StatusForbidden, false, core.KindPermanentHost},
		{http.StatusNotFound, false, core.KindNotFound},
		{http.StatusUnprocessableEntity, false, core.KindPermanentHost},
	}
	for _, tc := range cases {
		err := &APIError{Operation: "op", StatusCode: tc.status, RateLimited: tc.rateLimited}
		assert.Equal(t, tc.want, core.KindOf(err), "status %d", tc.status)
	}
}

func TestErrorResponseCarriesRetryAfter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	c := newTestClient(t, mux)

	_, err := c.GetRepository(context.Background(), testRepo)
	require.Error(t, err)
	assert.Equal(t, 7*time.Second, RetryAfterOf(err))
	assert.True(t, core.IsRetryable(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	_, err = c.GetRepository(context.Background(), testRepo)
	require.Error(t, err)
	assert.Equal(t, core.KindTransientHost, core.KindOf(err))
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGetRunLogsFlattensArchiveInNameOrder(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"2_test.txt":  "ModuleNotFoundError: No module named 'foo'",
		"1_setup.txt": "installing\n",
	})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/actions/runs/42/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	})
	c := newTestClient(t, mux)

	logs, err := c.GetRunLogs(context.Background(), testRepo, 42)
	require.NoError(t, err)
	setup := strings.Index(logs, "===== 1_setup.txt =====")
	test := strings.Index(logs, "===== 2_test.txt =====")
	require.GreaterOrEqual(t, setup, 0)
	require.Greater(t, test, setup)
	assert.Contains(t, logs, "No module named 'foo'\n")
}

func TestGetRunLogsMissingIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/actions/runs/9/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	c := newTestClient(t, mux)

	_, err := c.GetRunLogs(context.Background(), testRepo, 9)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestTailBytesKeepsEnd(t *testing.T) {
	s := "line one\nline two\nline three\n"
	out := TailBytes(s, 14)
	assert.True(t, strings.HasPrefix(out, truncatedMarker))
	assert.True(t, strings.HasSuffix(out, "line three\n"))
	assert.Equal(t, s, TailBytes(s, 0))
}

func TestGetFileContentDecodesBase64(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/contents/requirements.txt", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		encoded := base64.StdEncoding.EncodeToString([]byte("requests\n"))
		writeJSON(w, http.StatusOK, map[string]any{
			"type": "file", "path": "requirements.txt", "sha": "blob1", "size": 9,
			"encoding": "base64", "content": encoded[:4] + "\n" + encoded[4:],
		})
	})
	c := newTestClient(t, mux)

	fc, err := c.GetFileContent(context.Background(), testRepo, "requirements.txt", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "requests\n", fc.Content)
	assert.Equal(t, "blob1", fc.SHA)
}

func TestCreateCommitTipMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/git/ref/heads/fix", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": "newhead"}})
	})
	c := newTestClient(t, mux)

	_, err := c.CreateCommit(context.Background(), testRepo, CommitInput{
		Branch: "fix", Message: "m", ExpectedHead: "oldhead",
		Files: []CommitFile{{Path: "a.txt", Content: "x"}},
	})
	var tip *TipMismatchError
	require.ErrorAs(t, err, &tip)
	assert.Equal(t, "newhead", tip.Actual)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestCreateCommitWritesTreeAndMovesRef(t *testing.T) {
	var treeBody, refBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/git/ref/heads/fix", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": "head1"}})
	})
	mux.HandleFunc("GET /repos/octo/app/git/commits/head1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tree": map[string]string{"sha": "tree1"}})
	})
	mux.HandleFunc("POST /repos/octo/app/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"sha": "blob1"})
	})
	mux.HandleFunc("POST /repos/octo/app/git/trees", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&treeBody))
		writeJSON(w, http.StatusCreated, map[string]string{"sha": "tree2"})
	})
	mux.HandleFunc("POST /repos/octo/app/git/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"sha": "commit2", "html_url": "u"})
	})
	mux.HandleFunc("PATCH /repos/octo/app/git/refs/heads/fix", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&refBody))
		writeJSON(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": "commit2"}})
	})
	c := newTestClient(t, mux)

	commit, err := c.CreateCommit(context.Background(), testRepo, CommitInput{
		Branch: "fix", Message: "fix deps", ExpectedHead: "head1",
		Files: []CommitFile{{Path: "requirements.txt", Content: "foo\n"}, {Path: "old.txt", Delete: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit2", commit.SHA)
	assert.Equal(t, "head1", commit.Parent)
	assert.Equal(t, "tree1", treeBody["base_tree"])
	entries := treeBody["tree"].([]any)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[1].(map[string]any)["sha"])
	assert.Equal(t, false, refBody["force"])
}

func TestListFailingPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"number": 1, "title": "green", "state": "open", "head": map[string]string{"ref": "a", "sha": "sha-a"}},
			{"number": 2, "title": "red", "state": "open", "head": map[string]string{"ref": "b", "sha": "sha-b"}},
		})
	})
	mux.HandleFunc("GET /repos/octo/app/commits/sha-a/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"check_runs": []map[string]string{
			{"name": "ci", "status": "completed", "conclusion": "success"},
		}})
	})
	mux.HandleFunc("GET /repos/octo/app/commits/sha-b/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"check_runs": []map[string]string{
			{"name": "ci", "status": "completed", "conclusion": "failure", "details_url": "https://github.com/octo/app/actions/runs/777/job/1"},
		}})
	})
	c := newTestClient(t, mux)

	failing, err := c.ListFailingPullRequests(context.Background(), testRepo)
	require.NoError(t, err)
	require.Len(t, failing, 1)
	assert.Equal(t, 2, failing[0].Number)
	assert.Equal(t, CIStatusFailure, failing[0].CIStatus)
	assert.Equal(t, int64(777), failing[0].FailingChecks[0].RunID)
}

func TestNormalizeRunStatus(t *testing.T) {
	assert.Equal(t, RunQueued, NormalizeRunStatus("queued", ""))
	assert.Equal(t, RunRunning, NormalizeRunStatus("in_progress", ""))
	assert.Equal(t, RunSucceeded, NormalizeRunStatus("completed", "success"))
	assert.Equal(t, RunSucceeded, NormalizeRunStatus("completed", "skipped"))
	assert.Equal(t, RunFailed, NormalizeRunStatus("completed", "timed_out"))
}

func TestParseRepo(t *testing.T) {
	r, err := ParseRepo("octo/app")
	require.NoError(t, err)
	assert.Equal(t, "octo/app", r.String())

	for _, bad := range []string{"", "octo", "octo/app/extra", "octo/ap p"} {
		_, err := ParseRepo(bad)
		assert.Equal(t, core.KindValidation, core.KindOf(err), bad)
	}
}

func TestValidateBranch(t *testing.T) {
	for _, ok := range []string{"main", "fix/ci-heal-42", "release-1.2"} {
		assert.NoError(t, ValidateBranch(ok), ok)
	}
	for _, bad := range []string{"", "-rf", "a..b", "has space", "topic.lock", "semi;colon"} {
		assert.Equal(t, core.KindValidation, core.KindOf(ValidateBranch(bad)), bad)
	}
}
