package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jorgeraad/leafai/internal/adapter/drive"
)

type listFolderArgs struct {
	FolderID string `json:"folder_id"`
}

type readFileArgs struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type searchArgs struct {
	Query string `json:"query"`
}

type fileContent struct {
	Content     string `json:"content"`
	FileName    string `json:"fileName"`
	WebViewLink string `json:"webViewLink"`
}

// DriveTools builds list_drive_folder, read_drive_file and search_drive over
// api.
func DriveTools(api drive.API) *Set {
	set, err := NewSet(
		Tool{
			Name:        "list_drive_folder",
			Description: "List files in a Google Drive folder. Use when the user asks about files in a folder or provides a Drive URL.",
			Parameters: object(map[string]interface{}{
				"folder_id": str("Google Drive folder ID (from URL or previous context); use \"root\" for My Drive"),
			}, "folder_id"),
			Exec: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args listFolderArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				files, err := api.ListFolder(ctx, args.FolderID)
				if err != nil {
					return nil, err
				}
				return json.Marshal(files)
			},
		},
		Tool{
			Name:        "read_drive_file",
			Description: "Read the content of a specific file from Google Drive. Use when the user asks a question that requires reading a document.",
			Parameters: object(map[string]interface{}{
				"file_id":   str("Google Drive file ID"),
				"file_name": str("File name (for display)"),
				"mime_type": str("MIME type of the file"),
			}, "file_id", "file_name", "mime_type"),
			Exec: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args readFileArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				content, err := api.ReadFile(ctx, args.FileID, args.MimeType)
				if err != nil {
					return nil, err
				}
				return json.Marshal(fileContent{
					Content:     content,
					FileName:    args.FileName,
					WebViewLink: drive.WebViewLink(args.FileID),
				})
			},
		},
		Tool{
			Name:        "search_drive",
			Description: "Search for files across Google Drive by name or content. Use when the user asks about a topic but hasn't specified a folder.",
			Parameters: object(map[string]interface{}{
				"query": str("Search query (file name or content keywords)"),
			}, "query"),
			Exec: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args searchArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				files, err := api.SearchFiles(ctx, args.Query)
				if err != nil {
					return nil, err
				}
				return json.Marshal(files)
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return set
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
