// Package drive reads a user's Google Drive through the Drive v3 API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	listPageSize   = 100
	searchPageSize = 10
	maxFileBytes   = 1 << 20

	mimeFolder      = "application/vnd.google-apps.folder"
	mimeDocument    = "application/vnd.google-apps.document"
	mimeSpreadsheet = "application/vnd.google-apps.spreadsheet"
	mimeGooglePref  = "application/vnd.google-apps."

	listFields   = "files(id, name, mimeType, modifiedTime)"
	searchFields = "files(id, name, mimeType, modifiedTime, parents)"

	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// Scopes requested from the user.
var Scopes = []string{
	driveapi.DriveReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// File is a Drive file as returned to the agent.
type File struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
	Parents      []string `json:"parents,omitempty"`
	WebViewLink  string   `json:"webViewLink"`
}

// IsFolder reports whether f is a Drive folder.
func (f File) IsFolder() bool { return f.MimeType == mimeFolder }

// WebViewLink returns the browser URL of a file.
func WebViewLink(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/view"
}

// API is the subset of Drive the assistant uses.
type API interface {
	ListFolder(ctx context.Context, folderID string) ([]File, error)
	ReadFile(ctx context.Context, fileID, mimeType string) (string, error)
	SearchFiles(ctx context.Context, query string) ([]File, error)
}

// OAuthConfig holds the application's Google OAuth client.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// TokenURL overrides Google's token endpoint.
	TokenURL string
	// RevokeURL overrides Google's revocation endpoint.
	RevokeURL string
}

// Config returns the oauth2 configuration for the Drive scopes.
func (c OAuthConfig) Config() *oauth2.Config {
	endpoint := google.Endpoint
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       Scopes,
	}
}

// Client calls the Drive API with an authorized HTTP client.
type Client struct {
	files *driveapi.FilesService
}

// Ensure Client implements API.
var _ API = (*Client)(nil)

// NewClient wraps an already authorized HTTP client. An empty baseURL
// targets the public Drive endpoint.
func NewClient(ctx context.Context, httpClient *http.Client, baseURL string) (*Client, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	svc, err := driveapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &Client{files: svc.Files}, nil
}

// NewFromRefreshToken returns a client that exchanges refreshToken for
// access tokens as needed.
func NewFromRefreshToken(ctx context.Context, cfg OAuthConfig, refreshToken, baseURL string) (*Client, error) {
	// Token refreshes outlive the caller's request.
	ctx = context.WithoutCancel(ctx)
	httpClient := cfg.Config().Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return NewClient(ctx, httpClient, baseURL)
}

// RevokeToken asks Google to invalidate a refresh token.
func RevokeToken(ctx context.Context, cfg OAuthConfig, token string) error {
	endpoint := cfg.RevokeURL
	if endpoint == "" {
		endpoint = defaultRevokeURL
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return newAPIError(resp.StatusCode, body)
	}
	return nil
}

// ListFolder lists the non-trashed children of folderID.
func (c *Client) ListFolder(ctx context.Context, folderID string) ([]File, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	return c.list(ctx, q, listFields, listPageSize)
}

// SearchFiles runs a full-text search over the user's files.
func (c *Client) SearchFiles(ctx context.Context, query string) ([]File, error) {
	q := fmt.Sprintf("fullText contains '%s' and trashed = false", escapeQuery(query))
	return c.list(ctx, q, searchFields, searchPageSize)
}

// ReadFile returns the text content of a file. Google Docs are exported as
// plain text, Sheets as CSV; other files are downloaded as is. Content
// beyond 1 MiB is cut off.
func (c *Client) ReadFile(ctx context.Context, fileID, mimeType string) (string, error) {
	var resp *http.Response
	var err error
	switch {
	case mimeType == mimeSpreadsheet:
		resp, err = c.files.Export(fileID, "text/csv").Context(ctx).Download()
	case mimeType == mimeDocument, strings.HasPrefix(mimeType, mimeGooglePref):
		resp, err = c.files.Export(fileID, "text/plain").Context(ctx).Download()
	default:
		resp, err = c.files.Get(fileID).Context(ctx).Download()
	}
	if err != nil {
		return "", apiError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return string(data), nil
}

func (c *Client) list(ctx context.Context, q, fields string, pageSize int64) ([]File, error) {
	res, err := c.files.List().
		Q(q).
		Fields(googleapi.Field(fields)).
		PageSize(pageSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, apiError(err)
	}
	files := make([]File, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, File{
			ID:           f.Id,
			Name:         f.Name,
			MimeType:     f.MimeType,
			ModifiedTime: f.ModifiedTime,
			Parents:      f.Parents,
			WebViewLink:  WebViewLink(f.Id),
		})
	}
	return files, nil
}

// apiError maps a Drive status error onto APIError and leaves transport
// and token errors wrapped.
func apiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = http.StatusText(gerr.Code)
		}
		return &APIError{Status: gerr.Code, Message: msg}
	}
	return fmt.Errorf("drive request failed: %w", err)
}

// escapeQuery escapes a value for use inside a single-quoted Drive query
// string.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
