package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/deckgen/internal/domain"
	"github.com/dgallion1/deckgen/internal/parser"
	"github.com/dgallion1/deckgen/internal/pipeline"
)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// Limit total request size.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !parser.IsSupportedExtension(filename) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}

	categories, err := s.categoriesFromForm(r.Form)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	docID := r.FormValue("doc_id")
	if docID == "" {
		docID = pipeline.ContentHashHex(data)[:16]
	}

	now := time.Now()
	job := &pipeline.Job{
		ID:        pipeline.ContentHashHex([]byte(fmt.Sprintf("%s-%s-%d", docID, filename, now.UnixNano())))[:20],
		DocID:     docID,
		Status:    pipeline.StatusQueued,
		Phase:     "queued",
		Filename:  filename,
		Title:     r.FormValue("title"),
		CreatedAt: now,
		UpdatedAt: now,
		Options: pipeline.JobOptions{
			Export:     r.FormValue("export") == "true",
			Categories: categories,
		},
	}
	job.SetFileData(data)

	if err := s.queue.Submit(job); err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"doc_id":   job.DocID,
		"status":   pipeline.StatusQueued,
		"poll_url": fmt.Sprintf("/api/runs/%s/status", job.ID),
	})
}

// categoriesFromForm collects deck names from repeated "category" fields and
// from "categories", which holds either a JSON array or one deck name. Names
// are taken whole, commas included. Keyword hints are borrowed from
// configured categories of the same name.
func (s *Server) categoriesFromForm(form url.Values) ([]domain.Category, error) {
	names := append([]string(nil), form["category"]...)
	if v := strings.TrimSpace(form.Get("categories")); strings.HasPrefix(v, "[") {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil, fmt.Errorf("categories must be a JSON array of strings: %w", err)
		}
		names = append(names, list...)
	} else if v != "" {
		names = append(names, v)
	}

	var out []domain.Category
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		cat := domain.Category{Name: name}
		for _, c := range s.cfg.Generation.Categories {
			if strings.EqualFold(c.Name, name) {
				cat.KeywordHints = c.KeywordHints
				break
			}
		}
		out = append(out, cat)
	}
	return out, nil
}

// jobFor resolves the {jobID} URL parameter, writing a 404 when unknown.
func (s *Server) jobFor(w http.ResponseWriter, r *http.Request) *pipeline.Job {
	job := s.queue.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
	}
	return job
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobFor(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleRunCards(w http.ResponseWriter, r *http.Request) {
	job := s.jobFor(w, r)
	if job == nil {
		return
	}
	res := job.Result()
	if res == nil {
		jsonError(w, fmt.Sprintf("run not finished (status %s)", job.CurrentStatus()), http.StatusConflict)
		return
	}

	var cards []domain.Candidate
	switch which := r.URL.Query().Get("status"); which {
	case "", "accepted":
		cards = res.Accepted
	case "rejected":
		cards = res.Rejected
	case "all":
		cards = append(append([]domain.Candidate{}, res.Accepted...), res.Rejected...)
	default:
		jsonError(w, "status must be accepted, rejected or all", http.StatusBadRequest)
		return
	}
	if cards == nil {
		cards = []domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"run_id": res.RunID,
		"count":  len(cards),
		"cards":  cards,
	})
}

func (s *Server) handleRunFailures(w http.ResponseWriter, r *http.Request) {
	job := s.jobFor(w, r)
	if job == nil {
		return
	}
	res := job.Result()
	if res == nil {
		jsonError(w, fmt.Sprintf("run not finished (status %s)", job.CurrentStatus()), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"run_id":   res.RunID,
		"chunks":   res.Chunks,
		"failures": res.Failures,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	found, cancelled := s.queue.Cancel(chi.URLParam(r, "jobID"))
	if !found {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if !cancelled {
		jsonError(w, "job already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	job := s.jobFor(w, r)
	if job == nil {
		return
	}
	switch job.CurrentStatus() {
	case pipeline.StatusCompleted, pipeline.StatusPartial, pipeline.StatusCancelled:
	default:
		jsonError(w, fmt.Sprintf("cannot export a job in status %s", job.CurrentStatus()), http.StatusConflict)
		return
	}

	err := s.queue.Worker().Export(r.Context(), job)
	snap := job.Snapshot()
	switch {
	case errors.Is(err, pipeline.ErrNoDeckStore):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil && len(snap.Exports) == 0:
		jsonError(w, "export failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	resp := map[string]any{"job_id": job.ID, "exports": snap.Exports}
	code := http.StatusOK
	if err != nil {
		// Some decks were written before the failure.
		resp["error"] = err.Error()
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.queue.Worker().Categories(r.Context())
	resp := map[string]any{"categories": cats}
	if cats == nil {
		resp["categories"] = []domain.Category{}
	}
	if err != nil {
		s.log.Warnw("deck store unavailable", "error", err)
		resp["warning"] = "deck store unavailable, showing configured categories"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
