package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/filehaven/filehaven/internal/fileid"
	"github.com/filehaven/filehaven/internal/store"
)

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 32 << 20

// duplicateMessage is the exact body message for idempotent re-uploads.
const duplicateMessage = "File already up-to-date, no new version created"

// fileSummary is one entry in the GET /files listing.
type fileSummary struct {
	Name          string    `json:"name"`
	LastModified  time.Time `json:"last_modified"`
	Size          int64     `json:"size"`
	Version       int       `json:"version"`
	ClientID      string    `json:"client_id"`
	TotalVersions int       `json:"total_versions"`
	Checksum      string    `json:"checksum"`
}

// uploadResponse is the success body for uploads, restores, and chunk
// completion.
type uploadResponse struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Version    int           `json:"version,omitempty"`
	Duplicate  bool          `json:"duplicate,omitempty"`
	Received   int           `json:"received,omitempty"`
	File       *store.Record `json:"file,omitempty"`
	ConflictID string        `json:"conflict_id,omitempty"`
}

// conflictResponse is the 409 body for losing clients.
type conflictResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Winner  struct {
		ClientID     string    `json:"client_id"`
		LastModified time.Time `json:"last_modified"`
	} `json:"winner"`
	Losers           []LoserOutcome `json:"losers"`
	ConflictFileName string         `json:"conflict_file_name"`
	ConflictID       string         `json:"conflict_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.content.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	files := make([]fileSummary, 0, len(names))

	for _, name := range names {
		versions, err := s.meta.GetAllVersions(name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if len(versions) == 0 {
			// Blob without metadata: a foreign file in the content dir.
			s.logger.Warn("current blob has no metadata, skipping", slog.String("name", name))
			continue
		}

		latest := versions[0]
		files = append(files, fileSummary{
			Name:          name,
			LastModified:  latest.LastModified,
			Size:          latest.Size,
			Version:       latest.Version,
			ClientID:      latest.ClientID,
			TotalVersions: len(versions),
			Checksum:      latest.Checksum,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}

func (s *Server) handleSafeUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, r, wrapParseError(err))
		return
	}

	lastModified, err := parseLastModified(r.FormValue("last_modified"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := readFormFile(r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	up := &SafeUpload{
		FileName:     r.FormValue("file_name"),
		ClientID:     r.FormValue("client_id"),
		LastModified: lastModified,
		Blob:         blob,
	}

	result, err := s.window.Process(up)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondSafeUpload(w, up, result)
}

// respondSafeUpload translates an UploadResult into the wire response.
func (s *Server) respondSafeUpload(w http.ResponseWriter, up *SafeUpload, result *UploadResult) {
	switch {
	case result.Duplicate:
		s.metrics.uploadsTotal.WithLabelValues("duplicate").Inc()
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success:   true,
			Message:   duplicateMessage,
			Version:   result.Record.Version,
			Duplicate: true,
			File:      result.Record,
		})

	case result.Conflict != nil && result.Conflict.IsWinner:
		s.metrics.uploadsTotal.WithLabelValues("safe").Inc()
		s.metrics.conflictsTotal.Inc()
		s.metrics.bytesStored.Add(float64(len(up.Blob)))
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success:    true,
			Message:    "File uploaded; concurrent uploads were diverted to conflict copies",
			Version:    result.Record.Version,
			File:       result.Record,
			ConflictID: result.Conflict.ConflictID,
		})

	case result.Conflict != nil:
		if result.Conflict.ConflictID != AlreadyExistsConflictID {
			s.metrics.conflictsTotal.Inc()
		}

		resp := conflictResponse{
			Error: "conflict",
			Message: fmt.Sprintf("upload of %q lost a concurrent-modification conflict to client %s",
				up.FileName, result.Conflict.WinnerClientID),
			Losers:           result.Conflict.Losers,
			ConflictFileName: result.Conflict.ConflictFileName,
			ConflictID:       result.Conflict.ConflictID,
		}
		resp.Winner.ClientID = result.Conflict.WinnerClientID
		resp.Winner.LastModified = result.Conflict.WinnerModified

		s.writeJSON(w, http.StatusConflict, resp)

	default:
		s.metrics.uploadsTotal.WithLabelValues("safe").Inc()
		s.metrics.bytesStored.Add(float64(len(up.Blob)))
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success: true,
			Message: "File uploaded",
			Version: result.Record.Version,
			File:    result.Record,
		})
	}
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, r, wrapParseError(err))
		return
	}

	chunkNumber, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid chunk_number", store.ErrBadRequest))
		return
	}

	totalChunks, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid total_chunks", store.ErrBadRequest))
		return
	}

	lastModified, err := parseLastModified(r.FormValue("last_modified"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data, err := readFormFile(r, "chunk")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.assembler.AddPart(&ChunkPart{
		FileID:       r.FormValue("file_id"),
		ChunkNumber:  chunkNumber,
		TotalChunks:  totalChunks,
		FileName:     r.FormValue("file_name"),
		ClientID:     r.FormValue("client_id"),
		LastModified: lastModified,
		Data:         data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondChunk(w, r.FormValue("file_name"), chunkNumber, totalChunks, result)
}

// respondChunk translates an AssembleResult into the wire response.
func (s *Server) respondChunk(w http.ResponseWriter, fileName string, chunkNumber, totalChunks int, result *AssembleResult) {
	switch {
	case !result.Complete:
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success:  true,
			Message:  fmt.Sprintf("Chunk %d of %d received", chunkNumber, totalChunks),
			Received: result.Received,
		})

	case result.Duplicate:
		s.metrics.uploadsTotal.WithLabelValues("duplicate").Inc()
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success:   true,
			Message:   duplicateMessage,
			Version:   result.Record.Version,
			Duplicate: true,
			File:      result.Record,
		})

	case result.Conflict != nil:
		s.metrics.conflictsTotal.Inc()

		resp := conflictResponse{
			Error: "conflict",
			Message: fmt.Sprintf("chunked upload of %q lost a concurrent-modification conflict",
				fileName),
			ConflictFileName: result.ConflictFileName,
			ConflictID:       result.Conflict.ID,
		}
		resp.Winner.ClientID = result.Conflict.Winner.ClientID
		resp.Winner.LastModified = result.Conflict.Winner.LastModified

		for _, l := range result.Conflict.Losers {
			resp.Losers = append(resp.Losers, LoserOutcome{
				ClientID:         l.ClientID,
				LastModified:     l.LastModified,
				ConflictFileName: l.ConflictFileName,
			})
		}

		s.writeJSON(w, http.StatusConflict, resp)

	default:
		s.metrics.uploadsTotal.WithLabelValues("chunked").Inc()
		s.metrics.chunksAssembled.Inc()
		s.metrics.bytesStored.Add(float64(result.Record.Size))
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Success: true,
			Message: "File assembled from chunks",
			Version: result.Record.Version,
			File:    result.Record,
		})
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := s.content.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if latest, metaErr := s.meta.GetLatest(name); metaErr == nil {
		w.Header().Set("Last-Modified", latest.LastModified.UTC().Format(http.TimeFormat))
	}

	s.writeBlob(w, name, blob)
}

func (s *Server) handleDownloadVersion(w http.ResponseWriter, r *http.Request) {
	name, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := pathVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := s.content.GetVersion(name, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeBlob(w, name, blob)
}

// writeBlob streams raw bytes as an attachment.
func (s *Server) writeBlob(w http.ResponseWriter, name string, blob []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))

	if _, err := w.Write(blob); err != nil {
		s.logger.Warn("writing blob response failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	name, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	versions, err := s.meta.GetAllVersions(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if len(versions) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: file %q", store.ErrNotFound, name))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "versions": versions})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	name, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := pathVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body struct {
		ClientID string `json:"client_id"`
	}

	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := s.content.GetVersion(name, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	record, err := s.restoreVersion(name, version, body.ClientID, blob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.uploadsTotal.WithLabelValues("restore").Inc()

	s.writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: fmt.Sprintf("Version %d restored as version %d", version, record.Version),
		Version: record.Version,
		File:    record,
	})
}

// restoreVersion copies an old version's bytes forward as the new latest.
func (s *Server) restoreVersion(name string, from int, clientID string, blob []byte) (*store.Record, error) {
	lock, err := s.meta.LockName(name)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock() //nolint:errcheck // release is best-effort

	version, err := s.meta.NextVersion(name)
	if err != nil {
		return nil, err
	}

	if _, err := s.content.Save(name, blob, version); err != nil {
		return nil, err
	}

	record := &store.Record{
		FileID:       fileid.New(),
		FileName:     name,
		Version:      version,
		Size:         int64(len(blob)),
		Checksum:     store.Checksum(blob),
		ClientID:     clientID,
		LastModified: time.Now().UTC(),
		RestoredFrom: from,
	}

	if err := s.meta.Save(record); err != nil {
		return nil, err
	}

	s.logger.Info("version restored",
		slog.String("name", name),
		slog.Int("from", from),
		slog.Int("as", version),
	)

	return record, nil
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	oldName, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body struct {
		NewName string `json:"new_name"`
	}

	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	if body.NewName == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing new_name", store.ErrBadRequest))
		return
	}

	if err := s.content.Rename(oldName, body.NewName); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.meta.Rename(oldName, body.NewName); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Renamed %q to %q", oldName, body.NewName),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, err := pathName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Deletion is coarse: the current blob goes away and the name drops out
	// of listings, but version history stays queryable and downloadable.
	if err := s.content.Delete(name, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("file deleted", slog.String("name", name))

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Deleted %q", name),
	})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.meta.GetConflicts()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Method      string `json:"method"`
		KeepVersion int    `json:"keep_version"`
		ClientID    string `json:"client_id"`
	}

	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	if body.Method == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing resolution method", store.ErrBadRequest))
		return
	}

	conflict, err := s.meta.ResolveConflict(id, store.Resolution{
		Method:      body.Method,
		KeepVersion: body.KeepVersion,
		ClientID:    body.ClientID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "conflict": conflict})
}

// pathName extracts and unescapes the {name} URL parameter.
func pathName(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "name")

	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unescaping file name %q", store.ErrBadRequest, raw)
	}

	return name, store.ValidateName(name)
}

// pathVersion extracts the {version} URL parameter as a positive integer.
func pathVersion(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "version")

	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: invalid version %q", store.ErrBadRequest, raw)
	}

	return v, nil
}

// decodeBody parses a JSON request body. An empty body yields zero values,
// matching clients that omit optional fields entirely.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parsing request body: %v", store.ErrBadRequest, err)
	}

	return nil
}

// readFormFile reads one uploaded multipart file field fully into memory.
func readFormFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s field", store.ErrBadRequest, field)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("server: reading %s field: %w", field, err)
	}

	return data, nil
}

// wrapParseError classifies multipart parse failures: an oversize body
// surfaces as 413, everything else as 400.
func wrapParseError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return err
	}

	return fmt.Errorf("%w: parsing multipart form: %v", store.ErrBadRequest, err)
}
