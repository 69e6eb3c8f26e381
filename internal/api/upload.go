package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/filehaven/filehaven/internal/fileid"
)

// Chunked upload parameters.
const (
	// ChunkSize is the fixed chunk size; files at or under it should use
	// SafeUpload instead.
	ChunkSize = 10 << 20 // 10 MiB

	// chunkTimeout bounds one chunk's round trip.
	chunkTimeout = 30 * time.Second
)

// ChunkedUpload splits blob into fixed-size chunks under a fresh upload id
// and sends them in order. The server assembles the file when the last part
// lands; a conflict on assembly surfaces as *ConflictError, and a duplicate
// of the latest stored version returns early with Duplicate set.
func (c *Client) ChunkedUpload(ctx context.Context, name, clientID string, blob []byte, lastModified time.Time) (*UploadResult, error) {
	uploadID := fileid.New()
	total := (len(blob) + ChunkSize - 1) / ChunkSize

	if total == 0 {
		total = 1
	}

	c.logger.Info("starting chunked upload",
		slog.String("file_name", name),
		slog.String("upload_id", uploadID),
		slog.Int("chunks", total),
		slog.Int("size", len(blob)),
	)

	for n := 1; n <= total; n++ {
		start := (n - 1) * ChunkSize
		end := start + ChunkSize

		if end > len(blob) {
			end = len(blob)
		}

		result, err := c.sendChunk(ctx, uploadID, n, total, name, clientID, blob[start:end], lastModified)
		if err != nil {
			return nil, err
		}

		// The server recognizes identical content on assembly and on
		// earlier-arriving duplicates; stop sending when it says so.
		if result.Duplicate {
			c.logger.Debug("chunked upload already up-to-date",
				slog.String("file_name", name),
				slog.Int("version", result.Version),
			)

			return result, nil
		}

		if n == total {
			return result, nil
		}
	}

	// Unreachable: the loop always returns on the final chunk.
	return nil, nil
}

// sendChunk uploads one part under its own timeout.
func (c *Client) sendChunk(
	ctx context.Context, uploadID string, n, total int,
	name, clientID string, data []byte, lastModified time.Time,
) (*UploadResult, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	body, contentType, err := multipartBody(map[string]string{
		"file_id":       uploadID,
		"chunk_number":  strconv.Itoa(n),
		"total_chunks":  strconv.Itoa(total),
		"file_name":     name,
		"client_id":     clientID,
		"last_modified": lastModified.UTC().Format(time.RFC3339Nano),
	}, "chunk", name, data)
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.doJSON(chunkCtx, http.MethodPost, "/files/chunk", body, contentType, &result); err != nil {
		return nil, err
	}

	return &result, nil
}
