// Package httpapi exposes projects and their lifecycle steps over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/app"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/compiler"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/export"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/ingest"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/redact"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/runner"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/store"
	"github.com/palantir/palantir-compute-module-structured-extract/pkg/foundry"
)

const maxUploadBytes = 4 * ingest.MaxFileSize

type Config struct {
	Projects *store.Collection
	Runner   *runner.Runner
	Loader   *ingest.Loader
	Logger   *log.Logger
	// Publisher enables POST /projects/{id}/publish. Nil leaves it answering 503.
	Publisher app.DatasetPublisher

	// RunContext bounds background runs started with POST /run. Cancel it on
	// shutdown, then call Runner.Wait.
	RunContext context.Context
}

type Server struct {
	projects *store.Collection
	runner   *runner.Runner
	loader   *ingest.Loader
	logger   *log.Logger
	pub      app.DatasetPublisher
	runCtx   context.Context
}

func New(cfg Config) *Server {
	s := &Server{
		projects: cfg.Projects,
		runner:   cfg.Runner,
		loader:   cfg.Loader,
		logger:   cfg.Logger,
		pub:      cfg.Publisher,
		runCtx:   cfg.RunContext,
	}
	if s.loader == nil {
		s.loader = ingest.New()
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.runCtx == nil {
		s.runCtx = context.Background()
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Patch("/", s.handleEdit)
			r.Delete("/", s.handleDelete)
			r.Post("/files", s.handleAddFiles)

			r.Post("/schema/propose", s.mutate(func(ctx context.Context, p *extract.Project) error {
				return s.runner.RequestSchema(ctx, p)
			}))
			r.Post("/schema/approve", s.mutate(func(_ context.Context, p *extract.Project) error {
				return p.ApproveSchema()
			}))
			r.Post("/schema/reject", s.mutate(func(_ context.Context, p *extract.Project) error {
				return p.RejectSchema()
			}))
			r.Post("/example", s.mutate(func(ctx context.Context, p *extract.Project) error {
				return s.runner.GenerateExample(ctx, p)
			}))
			r.Post("/complete", s.mutate(func(_ context.Context, p *extract.Project) error {
				return p.Complete()
			}))
			r.Post("/back", s.mutate(func(_ context.Context, p *extract.Project) error {
				return p.Back()
			}))
			r.Post("/run", s.handleRun)

			r.Get("/contract", s.handleContract)
			r.Get("/records.csv", s.handleExport("text/csv; charset=utf-8", export.WriteCSV))
			r.Get("/records.jsonl", s.handleExport("application/x-ndjson", export.WriteJSONL))
			r.Post("/publish", s.handlePublish)
		})
	})
	return r
}

// FileView summarizes a file without its contents.
type FileView struct {
	FileName string `json:"file_name"`
	State    string `json:"state"`
	Records  int    `json:"records"`
	Error    string `json:"error,omitempty"`
}

type ProjectView struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	State        string     `json:"state"`
	DisplayState string     `json:"display_state"`
	Fields       []string   `json:"fields,omitempty"`
	Files        []FileView `json:"files"`
	Busy         bool       `json:"busy"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (s *Server) view(p *extract.Project) ProjectView {
	v := ProjectView{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		State:        string(p.State),
		DisplayState: p.State.DisplayName(),
		Files:        make([]FileView, 0, len(p.Files)),
		Busy:         s.runner.Busy(p.ID),
		LastError:    p.LastError,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.Schema != nil {
		v.Fields = p.Schema.FieldNames()
	}
	for _, f := range p.Files {
		v.Files = append(v.Files, FileView{FileName: f.FileName, State: string(f.State), Records: len(f.Results), Error: f.Error})
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	projects := s.projects.List()
	out := make([]ProjectView, len(projects))
	for i, p := range projects {
		out[i] = s.view(p)
	}
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	Goal        string `json:"goal"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// handleCreate accepts either a free-text goal, which the model turns into a
// setup, or the setup itself.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	setup := extract.Setup{Title: req.Title, Description: req.Description, Prompt: req.Prompt}
	if strings.TrimSpace(req.Goal) != "" && strings.TrimSpace(req.Title) == "" {
		proposed, err := s.runner.ProposeSetup(r.Context(), req.Goal)
		if err != nil {
			writeError(w, err)
			return
		}
		setup = proposed
	}

	p := extract.NewProject()
	if err := p.SetGoal(setup); err != nil {
		writeError(w, err)
		return
	}
	if err := s.projects.Add(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("project created: project=%s title=%q", p.ID, p.Title)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type editRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Prompt      *string `json:"prompt"`
}

// handleEdit changes title, description or prompt. Omitted fields keep their
// value.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.mutate(func(_ context.Context, p *extract.Project) error {
		return p.Edit(extract.Edit{Title: req.Title, Description: req.Description, Prompt: req.Prompt})
	})(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.runner.Do(r.Context(), id, func(ctx context.Context) error {
		return s.projects.Delete(ctx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("project deleted: project=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

type fileRequest struct {
	FileName string `json:"file_name"`
	Contents string `json:"contents"`
}

// handleAddFiles takes multipart uploads (any number of "file" parts) or a
// JSON body {file_name, contents}.
func (s *Server) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var files []extract.TextFile
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, fmt.Errorf("%w: %v", extract.ErrInvalidInput, err))
			return
		}
		for _, fh := range r.MultipartForm.File["file"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, err)
				return
			}
			b, err := io.ReadAll(io.LimitReader(f, ingest.MaxFileSize+1))
			_ = f.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			tf, err := s.loader.FromBytes(fh.Filename, b)
			if err != nil {
				writeError(w, err)
				return
			}
			files = append(files, tf)
		}
	} else {
		var req fileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		tf, err := s.loader.FromBytes(req.FileName, []byte(req.Contents))
		if err != nil {
			writeError(w, err)
			return
		}
		files = append(files, tf)
	}
	if len(files) == 0 {
		writeError(w, fmt.Errorf("%w: no files in request", extract.ErrInvalidInput))
		return
	}

	s.mutate(func(_ context.Context, p *extract.Project) error {
		for _, f := range files {
			if err := p.AttachFile(f); err != nil {
				return err
			}
		}
		return nil
	})(w, r)
}

// mutate loads the project, applies fn to a copy and stores the copy, all
// under the project's run guard. A failing fn leaves the stored project
// untouched.
func (s *Server) mutate(fn func(ctx context.Context, p *extract.Project) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p *extract.Project
		err := s.runner.Do(r.Context(), chi.URLParam(r, "id"), func(ctx context.Context) error {
			var err error
			if p, err = s.projects.Get(chi.URLParam(r, "id")); err != nil {
				return err
			}
			if err := fn(ctx, p); err != nil {
				return err
			}
			return s.projects.Replace(ctx, p)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type RunResponse struct {
	ProjectID  string `json:"project_id"`
	RunID      string `json:"run_id,omitempty"`
	State      string `json:"state"`
	Files      int    `json:"files"`
	Finished   int    `json:"finished"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Records    int    `json:"records"`
	FailedFile string `json:"failed_file,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleRun starts a full run. By default it returns 202 and the run
// continues in the background; ?wait=true blocks until the run ends.
// ?resume=true keeps files that already finished.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ro := runner.RunOptions{
		SkipFinished: queryBool(r, "resume"),
		OnProgress: func(p *extract.Project) error {
			// Persist even when the run was cancelled so the failure is recorded.
			return s.projects.Replace(context.WithoutCancel(s.runCtx), p)
		},
	}

	// load reads the project under the guard so the run starts from the
	// latest stored copy.
	var p *extract.Project
	load := func() error {
		var err error
		if p, err = s.projects.Get(id); err != nil {
			return err
		}
		return p.Require(extract.OpRun)
	}

	if !queryBool(r, "wait") {
		err := s.runner.Do(s.runCtx, id, func(ctx context.Context) error {
			if err := load(); err != nil {
				return err
			}
			return s.runner.Start(ctx, p, ro, func(sum runner.Summary, err error) {
				if err != nil {
					s.logger.Printf("run=%s background run failed: project=%s error=%q", sum.RunID, id, redact.Error(err))
				}
			})
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, RunResponse{ProjectID: id, State: string(extract.StateRunning), Files: len(p.Files)})
		return
	}

	var sum runner.Summary
	err := s.runner.Do(r.Context(), id, func(ctx context.Context) error {
		if err := load(); err != nil {
			return err
		}
		var err error
		sum, err = s.runner.RunProject(ctx, p, ro)
		return err
	})
	if sum.RunID == "" {
		// The run never started.
		writeError(w, err)
		return
	}
	resp := RunResponse{
		ProjectID:  id,
		RunID:      sum.RunID,
		State:      string(p.State),
		Files:      sum.Files,
		Finished:   sum.Finished,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		Records:    sum.Records,
		FailedFile: sum.FailedFile,
		DurationMS: sum.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = redact.Error(err)
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContract returns the JSON schema sent to the model for the approved
// schema.
func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Schema == nil {
		writeError(w, extract.ErrNoSchemaApproved)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   compiler.ContractName,
		"schema": compiler.CompileContract(*p.Schema).JSONSchema(),
	})
}

func (s *Server) handleExport(contentType string, write func(io.Writer, *extract.Project) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.projects.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if p.Schema == nil {
			writeError(w, extract.ErrNoSchemaApproved)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if err := write(w, p); err != nil {
			s.logger.Printf("export failed: project=%s error=%q", p.ID, redact.Error(err))
		}
	}
}

type PublishRequest struct {
	Dataset  string `json:"dataset"`
	Branch   string `json:"branch,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Format   string `json:"format,omitempty"`
	Append   bool   `json:"append,omitempty"`
}

type PublishResponse struct {
	DatasetRID     string `json:"dataset_rid"`
	Branch         string `json:"branch"`
	FileName       string `json:"file_name"`
	TransactionRID string `json:"transaction_rid"`
	Committed      bool   `json:"committed"`
}

var errPublishDisabled = errors.New("publishing is not configured")

// handlePublish uploads the finished records into a Foundry dataset.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": errPublishDisabled.Error()})
		return
	}
	var req PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Schema == nil {
		writeError(w, extract.ErrNoSchemaApproved)
		return
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	var buf strings.Builder
	up := foundry.Upload{Dataset: req.Dataset, Branch: req.Branch, FileName: req.FileName, Append: req.Append}
	switch format {
	case "", app.FormatCSV:
		format = app.FormatCSV
		up.ContentType = "text/csv"
		err = export.WriteCSV(&buf, p)
	case app.FormatJSONL:
		up.ContentType = "application/x-ndjson"
		err = export.WriteJSONL(&buf, p)
	default:
		err = fmt.Errorf("%w: unknown format %q", extract.ErrInvalidInput, req.Format)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(up.FileName) == "" {
		up.FileName = app.ExportFileName(p, format)
	}

	res, err := s.pub.Publish(r.Context(), up, []byte(buf.String()))
	if err != nil {
		s.logger.Printf("publish failed: project=%s dataset=%s error=%q", p.ID, req.Dataset, redact.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublishResponse{
		DatasetRID:     res.Dataset.RID,
		Branch:         res.Dataset.Branch,
		FileName:       res.FileName,
		TransactionRID: res.TransactionRID,
		Committed:      res.Committed,
	})
}

func statusFor(err error) int {
	var fe *foundry.HTTPError
	if errors.As(err, &fe) {
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, extract.ErrInvalidTransition),
		errors.Is(err, extract.ErrNoSchemaApproved),
		errors.Is(err, runner.ErrRunInProgress),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, extract.ErrSchemaGenerationRefused),
		errors.Is(err, extract.ErrExtractionRefused):
		return http.StatusUnprocessableEntity
	case errors.Is(err, extract.ErrSchemaGenerationFailed),
		errors.Is(err, extract.ErrExtractionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, extract.ErrInvalidInput),
		errors.Is(err, ingest.ErrUnsupported),
		errors.Is(err, ingest.ErrNotText),
		errors.Is(err, foundry.ErrInvalidUpload):
		return http.StatusBadRequest
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: invalid request body: %v", extract.ErrInvalidInput, err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": redact.Error(err)})
}
