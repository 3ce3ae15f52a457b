// Package app wires projects, the runner and persistence into the
// operations the CLI exposes. Every method that changes a project stores it
// before returning.
package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/compiler"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/export"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/ingest"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/runner"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/store"
	"github.com/palantir/palantir-compute-module-structured-extract/pkg/foundry"
)

type App struct {
	projects *store.Collection
	runner   *runner.Runner
	loader   *ingest.Loader
	logger   *log.Logger
}

func New(projects *store.Collection, r *runner.Runner, logger *log.Logger) *App {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &App{projects: projects, runner: r, loader: ingest.New(), logger: logger}
}

func (a *App) List() []*extract.Project {
	return a.projects.List()
}

// Get resolves ref as a project ID or title.
func (a *App) Get(ref string) (*extract.Project, error) {
	return a.projects.Resolve(ref)
}

// Create starts a project. When setup has no title the model proposes one
// from goal.
func (a *App) Create(ctx context.Context, goal string, setup extract.Setup) (*extract.Project, error) {
	if strings.TrimSpace(setup.Title) == "" {
		if strings.TrimSpace(goal) == "" {
			return nil, fmt.Errorf("%w: a goal or a title is required", extract.ErrInvalidInput)
		}
		proposed, err := a.runner.ProposeSetup(ctx, goal)
		if err != nil {
			return nil, err
		}
		setup = proposed
	}
	p := extract.NewProject()
	if err := p.SetGoal(setup); err != nil {
		return nil, err
	}
	if err := a.projects.Add(ctx, p); err != nil {
		return nil, err
	}
	a.logger.Printf("project created: project=%s title=%q", p.ID, p.Title)
	return p, nil
}

// AddFiles attaches documents. Directories contribute every supported file
// they contain directly.
func (a *App) AddFiles(ctx context.Context, ref string, paths []string) (*extract.Project, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no files given", extract.ErrInvalidInput)
	}
	var files []extract.TextFile
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			fs, err := a.loader.Dir(path)
			if err != nil {
				return nil, err
			}
			files = append(files, fs...)
			continue
		}
		f, err := a.loader.Load(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error {
		for _, f := range files {
			if err := p.AttachFile(f); err != nil {
				return err
			}
		}
		a.logger.Printf("files attached: project=%s added=%d total=%d", p.ID, len(files), len(p.Files))
		return nil
	})
}

func (a *App) ProposeSchema(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, a.runner.RequestSchema)
}

func (a *App) ApproveSchema(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error { return p.ApproveSchema() })
}

func (a *App) RejectSchema(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error { return p.RejectSchema() })
}

func (a *App) GenerateExample(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, a.runner.GenerateExample)
}

func (a *App) Complete(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error { return p.Complete() })
}

func (a *App) Back(ctx context.Context, ref string) (*extract.Project, error) {
	return a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error { return p.Back() })
}

// Edit changes title, description or prompt. A new title must not collide
// with another project's.
func (a *App) Edit(ctx context.Context, ref string, e extract.Edit) (*extract.Project, error) {
	p, err := a.apply(ctx, ref, func(_ context.Context, p *extract.Project) error { return p.Edit(e) })
	if err != nil {
		return nil, err
	}
	a.logger.Printf("project edited: project=%s title=%q", p.ID, p.Title)
	return p, nil
}

// apply runs fn on a copy of the project and stores the copy only when fn
// succeeds. The project cannot start a run meanwhile.
func (a *App) apply(ctx context.Context, ref string, fn func(context.Context, *extract.Project) error) (*extract.Project, error) {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return nil, err
	}
	err = a.runner.Do(ctx, p.ID, func(ctx context.Context) error {
		// Re-read under the guard; the copy above may predate a run.
		if p, err = a.projects.Get(p.ID); err != nil {
			return err
		}
		if err := fn(ctx, p); err != nil {
			return err
		}
		return a.projects.Replace(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *App) persist(ctx context.Context) func(*extract.Project) error {
	// A cancelled run still records how far it got.
	ctx = context.WithoutCancel(ctx)
	return func(p *extract.Project) error {
		return a.projects.Replace(ctx, p)
	}
}

// Run extracts every file of one project. The project is persisted after
// each file, so partial results survive a failure.
func (a *App) Run(ctx context.Context, ref string, resume bool) (runner.Summary, *extract.Project, error) {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return runner.Summary{}, nil, err
	}
	sum, err := a.runner.RunProject(ctx, p, runner.RunOptions{SkipFinished: resume, OnProgress: a.persist(ctx)})
	return sum, p, err
}

// RunAll runs every project that may run (COMPLETE, SCHEMA_APPROVED or ERROR)
// concurrently. Other projects are left alone.
func (a *App) RunAll(ctx context.Context, resume bool) []runner.ProjectResult {
	var runnable []*extract.Project
	for _, p := range a.projects.List() {
		if p.Require(extract.OpRun) != nil {
			continue
		}
		runnable = append(runnable, p)
	}
	if len(runnable) == 0 {
		a.logger.Printf("run all: no runnable projects")
		return nil
	}
	return a.runner.RunAll(ctx, runnable, runner.RunOptions{SkipFinished: resume, OnProgress: a.persist(ctx)})
}

const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// Export writes the finished records of a project.
func (a *App) Export(ref, format string, w io.Writer) error {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatCSV:
		return export.WriteCSV(w, p)
	case FormatJSONL:
		return export.WriteJSONL(w, p)
	default:
		return fmt.Errorf("%w: unknown export format %q (expected csv or jsonl)", extract.ErrInvalidInput, format)
	}
}

// DatasetPublisher writes one exported file into a dataset.
type DatasetPublisher interface {
	Publish(ctx context.Context, up foundry.Upload, body []byte) (foundry.Result, error)
}

var fileNameUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// ExportFileName derives a dataset file name from the project title.
func ExportFileName(p *extract.Project, format string) string {
	base := strings.Trim(fileNameUnsafe.ReplaceAllString(strings.ToLower(p.Title), "_"), "_")
	if base == "" {
		base = "records"
	}
	if strings.EqualFold(strings.TrimSpace(format), FormatJSONL) {
		return base + ".jsonl"
	}
	return base + ".csv"
}

// Publish exports the finished records of a project and uploads them through
// pub. Empty up.FileName and up.ContentType are derived from the project and
// format.
func (a *App) Publish(ctx context.Context, ref, format string, up foundry.Upload, pub DatasetPublisher) (foundry.Result, error) {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return foundry.Result{}, err
	}
	var buf bytes.Buffer
	if err := a.Export(p.ID, format, &buf); err != nil {
		return foundry.Result{}, err
	}
	if strings.TrimSpace(up.FileName) == "" {
		up.FileName = ExportFileName(p, format)
	}
	if up.ContentType == "" {
		up.ContentType = "text/csv"
		if strings.EqualFold(strings.TrimSpace(format), FormatJSONL) {
			up.ContentType = "application/x-ndjson"
		}
	}
	res, err := pub.Publish(ctx, up, buf.Bytes())
	if err != nil {
		return foundry.Result{}, fmt.Errorf("publish %s: %w", up.FileName, err)
	}
	a.logger.Printf("records published: project=%s dataset=%s branch=%s file=%s txn=%s committed=%t",
		p.ID, res.Dataset.RID, res.Dataset.Branch, res.FileName, res.TransactionRID, res.Committed)
	return res, nil
}

// Contract returns the JSON schema the model receives for the project's
// approved schema, or for its pending proposal when none is approved yet.
func (a *App) Contract(ref string) (map[string]any, error) {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return nil, err
	}
	schema := p.Schema
	if schema == nil {
		schema = p.Proposal
	}
	if schema == nil {
		return nil, extract.ErrNoSchemaApproved
	}
	return map[string]any{
		"name":   compiler.ContractName,
		"schema": compiler.CompileContract(*schema).JSONSchema(),
	}, nil
}

// Delete removes a project that is not running.
func (a *App) Delete(ctx context.Context, ref string) error {
	p, err := a.projects.Resolve(ref)
	if err != nil {
		return err
	}
	err = a.runner.Do(ctx, p.ID, func(ctx context.Context) error {
		return a.projects.Delete(ctx, p.ID)
	})
	if err != nil {
		return err
	}
	a.logger.Printf("project deleted: project=%s title=%q", p.ID, p.Title)
	return nil
}
