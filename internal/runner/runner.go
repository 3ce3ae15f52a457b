package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/compiler"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/redact"
	"golang.org/x/time/rate"
)

// Runner drives the model-backed lifecycle steps of projects: setup and schema
// proposals, the first-file example and full runs.
//
// A Runner mutates only the project it is handed. Callers own persistence and
// must not touch a project while one of its steps is in flight.
type Runner struct {
	compiler *compiler.Compiler
	traced   *tracedCaller
	opts     Options
	logger   *log.Logger
	limiter  *rate.Limiter
	guard    runGuard
}

func New(caller completion.Caller, opts Options, logger *log.Logger) *Runner {
	opts = opts.withDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	traced := newTracedCaller(caller, logger, opts)
	r := &Runner{
		compiler: compiler.New(traced),
		traced:   traced,
		opts:     opts,
		logger:   logger,
	}
	if opts.RateLimitRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return r
}

// RunOptions tune a single project run.
type RunOptions struct {
	// SkipFinished keeps files already FINISHED (with their results) and only
	// sends the rest. By default every file is re-run.
	SkipFinished bool

	// OnProgress is called after every file and project state change so the
	// caller can persist. An error aborts the run. RunAll may call it from
	// several goroutines at once, one per project.
	OnProgress func(*extract.Project) error
}

// Summary describes one project run.
type Summary struct {
	RunID      string
	Files      int
	Finished   int
	Skipped    int
	Failed     int
	Records    int
	FailedFile string
	Duration   time.Duration
}

func newRunID() string {
	return "run-" + uuid.NewString()[:8]
}

func (r *Runner) logf(runID string) func(format string, args ...any) {
	return func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		r.logger.Printf("run=%s "+format, prefix...)
	}
}

type holdKey struct{}

// hold marks a context as owning the guard of one project. A background run
// started under the hold takes it over.
type hold struct {
	r         *Runner
	id        string
	handedOff bool
}

func (r *Runner) heldBy(ctx context.Context, id string) *hold {
	h, ok := ctx.Value(holdKey{}).(*hold)
	if !ok || h.r != r || h.id != id || h.handedOff {
		return nil
	}
	return h
}

func (r *Runner) lock(ctx context.Context, p *extract.Project) (func(), error) {
	if r.heldBy(ctx, p.ID) != nil {
		return func() {}, nil
	}
	if !r.guard.tryLock(p.ID) {
		return nil, fmt.Errorf("%w: project %s", ErrRunInProgress, p.ID)
	}
	return func() { r.guard.unlock(p.ID) }, nil
}

// Do runs fn while holding the guard of the project, so no run or model step
// of it can start until fn returns. Steps called with the context handed to
// fn share the hold. It fails with ErrRunInProgress when the project is busy.
func (r *Runner) Do(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	if !r.guard.tryLock(projectID) {
		return fmt.Errorf("%w: project %s", ErrRunInProgress, projectID)
	}
	h := &hold{r: r, id: projectID}
	defer func() {
		if !h.handedOff {
			r.guard.unlock(projectID)
		}
	}()
	return fn(context.WithValue(ctx, holdKey{}, h))
}

// Busy reports whether a step of the project is in flight.
func (r *Runner) Busy(projectID string) bool {
	return r.guard.isRunning(projectID)
}

// Wait blocks until every in-flight step finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context) {
	r.guard.waitAll(ctx)
}

// ProposeSetup turns a free-text goal into a title, description and prompt.
func (r *Runner) ProposeSetup(ctx context.Context, goal string) (extract.Setup, error) {
	runID := newRunID()
	defer r.traced.forget(runID)
	setup, err := callWithRetry(withTrace(ctx, runID, ""), r.limiter, r.opts, func(ctx context.Context) (extract.Setup, error) {
		return r.compiler.ProposeSetup(ctx, goal)
	})
	if err != nil {
		if errors.Is(err, extract.ErrInvalidInput) {
			return extract.Setup{}, err
		}
		return extract.Setup{}, asStepErr(err, extract.ErrSchemaGenerationRefused, extract.ErrSchemaGenerationFailed)
	}
	return setup, nil
}

// RequestSchema asks for a schema using the first attached file as the
// sample and stores it as the pending proposal (FILE_UPLOADED -> SCHEMA_RETURNED).
// On failure the project is left unchanged.
func (r *Runner) RequestSchema(ctx context.Context, p *extract.Project) error {
	unlock, err := r.lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.Require(extract.OpRequestSchema); err != nil {
		return err
	}
	if len(p.Files) == 0 {
		return fmt.Errorf("%w: no files attached", extract.ErrInvalidInput)
	}

	runID := newRunID()
	defer r.traced.forget(runID)
	logf := r.logf(runID)

	sample, prompt, name := p.Files[0].Contents, p.Prompt, p.Files[0].FileName
	start := time.Now()
	schema, err := callWithRetry(withTrace(ctx, runID, name), r.limiter, r.opts, func(ctx context.Context) (extract.Schema, error) {
		return r.compiler.Propose(ctx, sample, prompt)
	})
	if err != nil {
		err = asStepErr(err, extract.ErrSchemaGenerationRefused, extract.ErrSchemaGenerationFailed)
		logf("schema proposal failed: project=%s sample=%q duration=%s error=%q", p.ID, name, time.Since(start).Round(time.Millisecond), redact.Error(err))
		return err
	}
	if err := p.ProposeSchema(schema); err != nil {
		return err
	}
	logf("schema proposed: project=%s sample=%q fields=%d duration=%s", p.ID, name, len(schema.Fields), time.Since(start).Round(time.Millisecond))
	return nil
}

// GenerateExample runs the approved schema against the first file only and
// keeps the records as a preview (SCHEMA_APPROVED -> EXAMPLE_GENERATED).
// File states are not touched.
func (r *Runner) GenerateExample(ctx context.Context, p *extract.Project) error {
	unlock, err := r.lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.Require(extract.OpGenerateExample); err != nil {
		return err
	}
	if p.Schema == nil {
		return extract.ErrNoSchemaApproved
	}
	if len(p.Files) == 0 {
		return p.RecordExample(nil)
	}

	runID := newRunID()
	defer r.traced.forget(runID)
	logf := r.logf(runID)

	schema, prompt := p.Schema.Clone(), p.Prompt
	contents, name := p.Files[0].Contents, p.Files[0].FileName
	start := time.Now()
	records, err := callWithRetry(withTrace(ctx, runID, name), r.limiter, r.opts, func(ctx context.Context) ([]extract.ExtractionRecord, error) {
		return r.compiler.Run(ctx, prompt, contents, schema)
	})
	if err != nil {
		err = asStepErr(err, extract.ErrExtractionRefused, extract.ErrExtractionFailed)
		logf("example failed: project=%s file=%q duration=%s error=%q", p.ID, name, time.Since(start).Round(time.Millisecond), redact.Error(err))
		return err
	}
	if err := p.RecordExample(records); err != nil {
		return err
	}
	logf("example generated: project=%s file=%q records=%d duration=%s", p.ID, name, len(records), time.Since(start).Round(time.Millisecond))
	return nil
}

// RunProject extracts every file of p in stored order, one at a time.
//
// The run is fail-fast: the first failing file is marked FAILED, later files
// are not attempted, and the project moves to ERROR. Files finished before the
// failure keep their results. With no failure the project ends COMPLETE.
func (r *Runner) RunProject(ctx context.Context, p *extract.Project, ro RunOptions) (Summary, error) {
	unlock, err := r.lock(ctx, p)
	if err != nil {
		return Summary{}, err
	}
	defer unlock()
	return r.runProject(ctx, p, ro)
}

// Start runs p in the background. The project is reserved before Start
// returns, so an overlapping call fails with ErrRunInProgress right away.
// Called inside Do, the run takes over the hold of Do.
// done, if set, receives the outcome; the caller must not touch p until then.
func (r *Runner) Start(ctx context.Context, p *extract.Project, ro RunOptions, done func(Summary, error)) error {
	if h := r.heldBy(ctx, p.ID); h != nil {
		h.handedOff = true
	} else if !r.guard.tryLock(p.ID) {
		return fmt.Errorf("%w: project %s", ErrRunInProgress, p.ID)
	}
	go func() {
		defer r.guard.unlock(p.ID)
		sum, err := r.runProject(ctx, p, ro)
		if done != nil {
			done(sum, err)
		}
	}()
	return nil
}

func (r *Runner) runProject(ctx context.Context, p *extract.Project, ro RunOptions) (Summary, error) {
	runID := newRunID()
	sum := Summary{RunID: runID, Files: len(p.Files)}
	if err := p.BeginRun(); err != nil {
		return sum, err
	}
	defer r.traced.forget(runID)
	logf := r.logf(runID)
	runStart := time.Now()

	logf(
		"project run start: project=%s title=%q files=%d fields=%d skipFinished=%t timeout=%s maxRetries=%d rateLimitRPS=%g",
		p.ID,
		p.Title,
		len(p.Files),
		len(p.Schema.Fields),
		ro.SkipFinished,
		r.opts.RequestTimeout,
		r.opts.MaxRetries,
		r.opts.RateLimitRPS,
	)

	fail := func(f *extract.TextFile, err error) (Summary, error) {
		msg := redact.Error(err)
		if f != nil {
			f.Fail(msg)
			sum.Failed++
			sum.FailedFile = f.FileName
		}
		_ = p.FailRun(msg)
		sum.Duration = time.Since(runStart)
		if perr := ro.progress(p); perr != nil {
			logf("persist after failure failed: project=%s error=%q", p.ID, redact.Error(perr))
		}
		logf(
			"project run failed: project=%s file=%q finished=%d/%d duration=%s error=%q",
			p.ID,
			sum.FailedFile,
			sum.Finished+sum.Skipped,
			sum.Files,
			sum.Duration.Round(time.Millisecond),
			msg,
		)
		return sum, err
	}

	for i := range p.Files {
		if !ro.SkipFinished || p.Files[i].State != extract.FileFinished {
			p.Files[i].Reset()
		}
	}
	if err := ro.progress(p); err != nil {
		return fail(nil, err)
	}

	schema, prompt := p.Schema.Clone(), p.Prompt
	for i := range p.Files {
		f := &p.Files[i]
		if ro.SkipFinished && f.State == extract.FileFinished {
			sum.Skipped++
			sum.Records += len(f.Results)
			logf("file skipped: file=%q state=%s records=%d", f.FileName, f.State, len(f.Results))
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(nil, err)
		}

		f.Start()
		if err := ro.progress(p); err != nil {
			return fail(f, err)
		}

		contents, name := f.Contents, f.FileName
		fileStart := time.Now()
		records, err := callWithRetry(withTrace(ctx, runID, name), r.limiter, r.opts, func(ctx context.Context) ([]extract.ExtractionRecord, error) {
			return r.compiler.Run(ctx, prompt, contents, schema)
		})
		if err != nil {
			return fail(f, asStepErr(err, extract.ErrExtractionRefused, extract.ErrExtractionFailed))
		}

		f.Finish(records)
		sum.Finished++
		sum.Records += len(records)
		logf(
			"file finished: file=%q records=%d duration=%s completed=%d/%d",
			name,
			len(records),
			time.Since(fileStart).Round(time.Millisecond),
			i+1,
			len(p.Files),
		)
		if err := ro.progress(p); err != nil {
			return fail(nil, err)
		}
	}

	if err := p.FinishRun(); err != nil {
		return sum, err
	}
	sum.Duration = time.Since(runStart)
	if err := ro.progress(p); err != nil {
		return sum, err
	}
	logf(
		"project run complete: project=%s finished=%d skipped=%d records=%d duration=%s",
		p.ID,
		sum.Finished,
		sum.Skipped,
		sum.Records,
		sum.Duration.Round(time.Millisecond),
	)
	return sum, nil
}

func (ro RunOptions) progress(p *extract.Project) error {
	if ro.OnProgress == nil {
		return nil
	}
	return ro.OnProgress(p)
}

// asStepErr keeps errors already classified by the compiler and files
// anything else (timeouts, cancellation, rate limiter) under failed.
func asStepErr(err, refused, failed error) error {
	if errors.Is(err, refused) || errors.Is(err, failed) {
		return err
	}
	return &extract.StepError{Kind: failed, Err: err}
}
