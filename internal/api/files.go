package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// Health probes the server. A nil error means the server answered 2xx.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, "", nil)
}

// ListFiles returns the server's current file listing.
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var body struct {
		Files []FileInfo `json:"files"`
	}

	if err := c.doJSON(ctx, http.MethodGet, "/files/", nil, "", &body); err != nil {
		return nil, err
	}

	return body.Files, nil
}

// SafeUpload sends the whole file in one multipart request. A losing
// concurrent upload surfaces as *ConflictError.
func (c *Client) SafeUpload(ctx context.Context, name, clientID string, blob []byte, lastModified time.Time) (*UploadResult, error) {
	body, contentType, err := multipartBody(map[string]string{
		"file_name":     name,
		"client_id":     clientID,
		"last_modified": lastModified.UTC().Format(time.RFC3339Nano),
	}, "file", name, blob)
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.doJSON(ctx, http.MethodPost, "/files/upload-safe", body, contentType, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Download fetches the current content of name. The returned time is the
// server's Last-Modified for the latest version (zero when absent).
func (c *Client) Download(ctx context.Context, name string) ([]byte, time.Time, error) {
	resp, err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(name)+"/download", nil, "")
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("api: reading download of %q: %w", name, err)
	}

	var modified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, parseErr := http.ParseTime(lm); parseErr == nil {
			modified = t
		}
	}

	return blob, modified, nil
}

// ListVersions returns name's version history, newest first.
func (c *Client) ListVersions(ctx context.Context, name string) ([]Version, error) {
	var body struct {
		Versions []Version `json:"versions"`
	}

	path := "/files/" + url.PathEscape(name) + "/versions"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, "", &body); err != nil {
		return nil, err
	}

	return body.Versions, nil
}

// DownloadVersion fetches one historical version's content.
func (c *Client) DownloadVersion(ctx context.Context, name string, version int) ([]byte, error) {
	path := fmt.Sprintf("/files/%s/versions/%d/download", url.PathEscape(name), version)

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: reading version %d of %q: %w", version, name, err)
	}

	return blob, nil
}

// Restore copies an old version forward as the new latest version.
func (c *Client) Restore(ctx context.Context, name string, version int, clientID string) (*UploadResult, error) {
	body, err := json.Marshal(map[string]string{"client_id": clientID})
	if err != nil {
		return nil, fmt.Errorf("api: encoding restore request: %w", err)
	}

	path := fmt.Sprintf("/files/%s/restore/%d", url.PathEscape(name), version)

	var result UploadResult
	if err := c.doJSON(ctx, http.MethodPost, path, body, "application/json", &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Rename changes a file's name, history included.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	body, err := json.Marshal(map[string]string{"new_name": newName})
	if err != nil {
		return fmt.Errorf("api: encoding rename request: %w", err)
	}

	path := "/files/" + url.PathEscape(oldName) + "/rename"

	return c.doJSON(ctx, http.MethodPost, path, body, "application/json", nil)
}

// Delete removes a file's current content. Version history survives.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/files/"+url.PathEscape(name)+"/", nil, "", nil)
}

// ListConflicts returns all recorded conflicts, newest first.
func (c *Client) ListConflicts(ctx context.Context) ([]Conflict, error) {
	var body struct {
		Conflicts []Conflict `json:"conflicts"`
	}

	if err := c.doJSON(ctx, http.MethodGet, "/conflicts", nil, "", &body); err != nil {
		return nil, err
	}

	return body.Conflicts, nil
}

// ResolveConflict marks a conflict as settled.
func (c *Client) ResolveConflict(ctx context.Context, id string, res Resolution) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("api: encoding resolution: %w", err)
	}

	return c.doJSON(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(id)+"/resolve", body, "application/json", nil)
}

// multipartBody builds one multipart/form-data body with the given fields
// plus a single file part.
func multipartBody(fields map[string]string, fileField, fileName string, blob []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("api: writing form field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", fmt.Errorf("api: creating form file: %w", err)
	}

	if _, err := part.Write(blob); err != nil {
		return nil, "", fmt.Errorf("api: writing form file: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("api: finalizing multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
