package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDriveServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(context.Background(), server.Client(), server.URL+"/drive/v3")
	require.NoError(t, err)
	return server, client
}

func TestListFolder(t *testing.T) {
	_, client := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files", r.URL.Path)
		assert.Equal(t, `'root' in parents and trashed = false`, r.URL.Query().Get("q"))
		assert.Equal(t, "100", r.URL.Query().Get("pageSize"))
		fmt.Fprint(w, `{"files":[{"id":"f1","name":"Notes","mimeType":"application/vnd.google-apps.document","modifiedTime":"2024-05-01T10:00:00Z"},{"id":"d1","name":"Archive","mimeType":"application/vnd.google-apps.folder"}]}`)
	})

	files, err := client.ListFolder(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "https://drive.google.com/file/d/f1/view", files[0].WebViewLink)
	assert.False(t, files[0].IsFolder())
	assert.True(t, files[1].IsFolder())
}

func TestSearchFilesEscapesQuotes(t *testing.T) {
	_, client := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `fullText contains 'Q3 \'plan\'' and trashed = false`, r.URL.Query().Get("q"))
		assert.Equal(t, "10", r.URL.Query().Get("pageSize"))
		assert.Contains(t, r.URL.Query().Get("fields"), "parents")
		fmt.Fprint(w, `{"files":[]}`)
	})

	files, err := client.SearchFiles(context.Background(), "Q3 'plan'")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NotNil(t, files)
}

func TestReadFileByMimeType(t *testing.T) {
	_, client := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/files/doc1/export"):
			assert.Equal(t, "text/plain", r.URL.Query().Get("mimeType"))
			fmt.Fprint(w, "doc body")
		case strings.HasSuffix(r.URL.Path, "/files/sheet1/export"):
			assert.Equal(t, "text/csv", r.URL.Query().Get("mimeType"))
			fmt.Fprint(w, "a,b\n1,2")
		case strings.HasSuffix(r.URL.Path, "/files/slides1/export"):
			assert.Equal(t, "text/plain", r.URL.Query().Get("mimeType"))
			fmt.Fprint(w, "slide text")
		case strings.HasSuffix(r.URL.Path, "/files/txt1"):
			assert.Equal(t, "media", r.URL.Query().Get("alt"))
			fmt.Fprint(w, "raw text")
		default:
			t.Errorf("unexpected request %s", r.URL)
		}
	})

	cases := map[string][2]string{
		"doc1":    {"application/vnd.google-apps.document", "doc body"},
		"sheet1":  {"application/vnd.google-apps.spreadsheet", "a,b\n1,2"},
		"slides1": {"application/vnd.google-apps.presentation", "slide text"},
		"txt1":    {"text/plain", "raw text"},
	}
	for id, tc := range cases {
		got, err := client.ReadFile(context.Background(), id, tc[0])
		require.NoError(t, err, id)
		assert.Equal(t, tc[1], got, id)
	}
}

func TestAPIError(t *testing.T) {
	_, client := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"File not found: nope."}}`)
	})

	_, err := client.ReadFile(context.Background(), "nope", "text/plain")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NotFound())
	assert.Equal(t, "File not found: nope.", apiErr.Message)
}

func TestNewFromRefreshTokenAuthorizesRequests(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-123", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-456","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	driveServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-456", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"files":[{"id":"f1","name":"Notes","mimeType":"text/plain"}]}`)
	}))
	defer driveServer.Close()

	cfg := OAuthConfig{ClientID: "cid", ClientSecret: "secret", TokenURL: tokenServer.URL}
	client, err := NewFromRefreshToken(context.Background(), cfg, "rt-123", driveServer.URL)
	require.NoError(t, err)

	files, err := client.ListFolder(context.Background(), "root")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRevokeToken(t *testing.T) {
	var revoked string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		revoked = r.Form.Get("token")
		if revoked == "gone" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_token"}`)
			return
		}
	}))
	defer server.Close()

	cfg := OAuthConfig{RevokeURL: server.URL}
	require.NoError(t, RevokeToken(context.Background(), cfg, "rt-123"))
	assert.Equal(t, "rt-123", revoked)

	err := RevokeToken(context.Background(), cfg, "gone")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestIsAuthError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer tokenServer.Close()

	cfg := OAuthConfig{ClientID: "cid", TokenURL: tokenServer.URL}
	client, err := NewFromRefreshToken(context.Background(), cfg, "revoked", "http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = client.ListFolder(context.Background(), "root")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))

	assert.True(t, IsAuthError(&APIError{Status: http.StatusUnauthorized}))
	assert.False(t, IsAuthError(&APIError{Status: http.StatusNotFound}))
	assert.False(t, IsAuthError(errors.New("boom")))
}

func TestUnauthorizedDriveAnswerIsAuthError(t *testing.T) {
	_, client := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
	})

	_, err := client.SearchFiles(context.Background(), "budget")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Invalid Credentials", apiErr.Message)
}
