package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/compiler"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/runner"
)

func textSchema() extract.Schema {
	return extract.Schema{
		Fields:              []extract.SchemaField{{Name: "text", Description: "Document text", DataType: extract.DataTypeString}},
		ConfirmationMessage: "ok",
	}
}

func approvedProject(t *testing.T, contents ...string) *extract.Project {
	t.Helper()
	p := extract.NewProject()
	if err := p.SetGoal(extract.Setup{Title: "t", Prompt: "extract text"}); err != nil {
		t.Fatalf("set goal: %v", err)
	}
	for i, c := range contents {
		if err := p.AttachFile(extract.NewTextFile(fmt.Sprintf("f%d.txt", i+1), c)); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if err := p.ProposeSchema(textSchema()); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := p.ApproveSchema(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return p
}

// echoCaller answers extraction calls with one record holding the document,
// failing for documents listed in failOn.
type echoCaller struct {
	mu     sync.Mutex
	seen   []string
	failOn map[string]error
}

func (c *echoCaller) Call(_ context.Context, req completion.Request) (json.RawMessage, error) {
	doc := strings.TrimPrefix(req.User, "Extract from this input:\n\n")
	c.mu.Lock()
	c.seen = append(c.seen, doc)
	c.mu.Unlock()
	if err, ok := c.failOn[doc]; ok {
		return nil, err
	}
	b, _ := json.Marshal(map[string]any{"data_fields": []any{map[string]any{"text": doc}}})
	return b, nil
}

func (c *echoCaller) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func TestRunProject_FailFast(t *testing.T) {
	p := approvedProject(t, "doc one", "doc two", "doc three")
	caller := &echoCaller{failOn: map[string]error{"doc two": errors.New("upstream exploded")}}
	r := runner.New(caller, runner.Options{}, nil)

	sum, err := r.RunProject(context.Background(), p, runner.RunOptions{})
	if !errors.Is(err, extract.ErrExtractionFailed) {
		t.Fatalf("err=%v want ErrExtractionFailed", err)
	}
	if p.State != extract.StateError {
		t.Fatalf("project state=%s want ERROR", p.State)
	}
	if got := caller.calls(); strings.Join(got, ",") != "doc one,doc two" {
		t.Fatalf("calls=%v; third file must not be attempted", got)
	}

	f1, f2, f3 := p.Files[0], p.Files[1], p.Files[2]
	if f1.State != extract.FileFinished || len(f1.Results) != 1 {
		t.Fatalf("file1 state=%s results=%d", f1.State, len(f1.Results))
	}
	if v, _ := f1.Results[0].Value("text"); v != "doc one" {
		t.Fatalf("file1 value=%q", v)
	}
	if f2.State != extract.FileFailed || len(f2.Results) != 0 || !strings.Contains(f2.Error, "upstream exploded") {
		t.Fatalf("file2 state=%s results=%d error=%q", f2.State, len(f2.Results), f2.Error)
	}
	if f3.State != extract.FileNotStarted || len(f3.Results) != 0 {
		t.Fatalf("file3 state=%s results=%d", f3.State, len(f3.Results))
	}
	if sum.Finished != 1 || sum.Failed != 1 || sum.FailedFile != "f2.txt" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if p.LastError == "" {
		t.Fatalf("expected last error on project")
	}
}

func TestRunProject_AllFinished(t *testing.T) {
	p := approvedProject(t, "a", "b")
	if err := p.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	r := runner.New(&echoCaller{}, runner.Options{}, nil)

	sum, err := r.RunProject(context.Background(), p, runner.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.State != extract.StateComplete {
		t.Fatalf("state=%s", p.State)
	}
	if sum.Finished != 2 || sum.Records != 2 || len(p.Records()) != 2 {
		t.Fatalf("summary=%+v records=%d", sum, len(p.Records()))
	}
}

func TestRunProject_EmptyFileListCompletes(t *testing.T) {
	schema := textSchema()
	p := extract.NewProject()
	p.Title = "empty"
	p.Schema = &schema
	p.State = extract.StateSchemaApproved

	caller := &echoCaller{}
	sum, err := runner.New(caller, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.State != extract.StateComplete || sum.Records != 0 || len(caller.calls()) != 0 {
		t.Fatalf("state=%s summary=%+v calls=%d", p.State, sum, len(caller.calls()))
	}
}

func TestRunProject_Preconditions(t *testing.T) {
	r := runner.New(&echoCaller{}, runner.Options{}, nil)

	p := extract.NewProject()
	_, err := r.RunProject(context.Background(), p, runner.RunOptions{})
	if !errors.Is(err, extract.ErrInvalidTransition) || p.State != extract.StateGoalSet {
		t.Fatalf("err=%v state=%s", err, p.State)
	}

	noSchema := extract.NewProject()
	noSchema.State = extract.StateComplete
	_, err = r.RunProject(context.Background(), noSchema, runner.RunOptions{})
	if !errors.Is(err, extract.ErrNoSchemaApproved) || noSchema.State != extract.StateComplete {
		t.Fatalf("err=%v state=%s", err, noSchema.State)
	}
}

func TestRunProject_Refusal(t *testing.T) {
	p := approvedProject(t, "secret")
	caller := &echoCaller{failOn: map[string]error{"secret": &completion.RefusalError{Reason: "SAFETY"}}}

	_, err := runner.New(caller, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{})
	if !errors.Is(err, extract.ErrExtractionRefused) {
		t.Fatalf("err=%v want ErrExtractionRefused", err)
	}
	if p.State != extract.StateError || p.Files[0].State != extract.FileFailed {
		t.Fatalf("project=%s file=%s", p.State, p.Files[0].State)
	}
}

func TestRunProject_TimeoutFailsFile(t *testing.T) {
	p := approvedProject(t, "slow")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores ctx on purpose: the runner must not wait for it.
	caller := completion.CallerFunc(func(context.Context, completion.Request) (json.RawMessage, error) {
		<-release
		return nil, errors.New("released")
	})
	r := runner.New(caller, runner.Options{RequestTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := r.RunProject(context.Background(), p, runner.RunOptions{})
	if !errors.Is(err, extract.ErrExtractionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want ExtractionFailed wrapping DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("run blocked for %s", time.Since(start))
	}
	if p.State != extract.StateError || p.Files[0].State != extract.FileFailed {
		t.Fatalf("project=%s file=%s", p.State, p.Files[0].State)
	}
}

func TestRunProject_RetriesTransient(t *testing.T) {
	p := approvedProject(t, "flaky")
	var calls atomic.Int32
	caller := completion.CallerFunc(func(_ context.Context, req completion.Request) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, &completion.TransientError{Err: errors.New("503")}
		}
		return json.RawMessage(`{"data_fields":[{"text":"ok"}]}`), nil
	})
	r := runner.New(caller, runner.Options{MaxRetries: 2, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}, nil)

	if _, err := r.RunProject(context.Background(), p, runner.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 2 || p.State != extract.StateComplete {
		t.Fatalf("calls=%d state=%s", calls.Load(), p.State)
	}
}

func TestRunProject_NoRetryByDefault(t *testing.T) {
	p := approvedProject(t, "flaky")
	var calls atomic.Int32
	caller := completion.CallerFunc(func(context.Context, completion.Request) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &completion.TransientError{Err: errors.New("503")}
	})
	if _, err := runner.New(caller, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestRunProject_ResumeSkipsFinished(t *testing.T) {
	p := approvedProject(t, "doc one", "doc two")
	failing := &echoCaller{failOn: map[string]error{"doc two": errors.New("boom")}}
	if _, err := runner.New(failing, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{}); err == nil {
		t.Fatalf("expected first run to fail")
	}

	caller := &echoCaller{}
	sum, err := runner.New(caller, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{SkipFinished: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := caller.calls(); strings.Join(got, ",") != "doc two" {
		t.Fatalf("calls=%v want only the unfinished file", got)
	}
	if sum.Skipped != 1 || sum.Finished != 1 || sum.Records != 2 || p.State != extract.StateComplete {
		t.Fatalf("summary=%+v state=%s", sum, p.State)
	}
}

func TestRunProject_RerunResetsFiles(t *testing.T) {
	p := approvedProject(t, "doc one", "doc two")
	if _, err := runner.New(&echoCaller{}, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	failing := &echoCaller{failOn: map[string]error{"doc one": errors.New("boom")}}
	if _, err := runner.New(failing, runner.Options{}, nil).RunProject(context.Background(), p, runner.RunOptions{}); err == nil {
		t.Fatalf("expected second run to fail")
	}
	if p.Files[1].State != extract.FileNotStarted || len(p.Files[1].Results) != 0 {
		t.Fatalf("stale results kept on unattempted file: state=%s results=%d", p.Files[1].State, len(p.Files[1].Results))
	}
}

func TestRunProject_OnProgress(t *testing.T) {
	p := approvedProject(t, "a", "b")
	var states []string
	ro := runner.RunOptions{OnProgress: func(p *extract.Project) error {
		parts := []string{string(p.State)}
		for _, f := range p.Files {
			parts = append(parts, string(f.State))
		}
		states = append(states, strings.Join(parts, "/"))
		return nil
	}}
	if _, err := runner.New(&echoCaller{}, runner.Options{}, nil).RunProject(context.Background(), p, ro); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"RUNNING/NOT_STARTED/NOT_STARTED",
		"RUNNING/RUNNING/NOT_STARTED",
		"RUNNING/FINISHED/NOT_STARTED",
		"RUNNING/FINISHED/RUNNING",
		"RUNNING/FINISHED/FINISHED",
		"COMPLETE/FINISHED/FINISHED",
	}
	if strings.Join(states, " ") != strings.Join(want, " ") {
		t.Fatalf("progress:\n got=%v\nwant=%v", states, want)
	}
}

func TestRunProject_PersistFailureAborts(t *testing.T) {
	p := approvedProject(t, "a")
	ro := runner.RunOptions{OnProgress: func(p *extract.Project) error {
		if p.State == extract.StateRunning {
			return errors.New("disk full")
		}
		return nil
	}}
	caller := &echoCaller{}
	if _, err := runner.New(caller, runner.Options{}, nil).RunProject(context.Background(), p, ro); err == nil {
		t.Fatalf("expected error")
	}
	if p.State != extract.StateError || len(caller.calls()) != 0 {
		t.Fatalf("state=%s calls=%d", p.State, len(caller.calls()))
	}
}

func TestRunProject_RejectsOverlappingRun(t *testing.T) {
	p := approvedProject(t, "slow")
	entered := make(chan struct{})
	release := make(chan struct{})
	caller := completion.CallerFunc(func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`{"data_fields":[]}`), nil
	})
	r := runner.New(caller, runner.Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunProject(context.Background(), p, runner.RunOptions{})
		done <- err
	}()
	<-entered

	if !r.Busy(p.ID) {
		t.Fatalf("expected project to be busy")
	}
	if _, err := r.RunProject(context.Background(), p, runner.RunOptions{}); !errors.Is(err, runner.ErrRunInProgress) {
		t.Fatalf("err=%v want ErrRunInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	r.Wait(context.Background())
	if r.Busy(p.ID) {
		t.Fatalf("project still busy after run")
	}
}

func TestDo_HoldsProjectGuard(t *testing.T) {
	p := approvedProject(t, "doc")
	r := runner.New(&echoCaller{}, runner.Options{}, nil)

	err := r.Do(context.Background(), p.ID, func(ctx context.Context) error {
		if !r.Busy(p.ID) {
			t.Fatalf("expected project to be busy inside Do")
		}
		if _, err := r.RunProject(context.Background(), p, runner.RunOptions{}); !errors.Is(err, runner.ErrRunInProgress) {
			t.Fatalf("outside run: err=%v want ErrRunInProgress", err)
		}
		if err := r.Do(context.Background(), p.ID, func(context.Context) error { return nil }); !errors.Is(err, runner.ErrRunInProgress) {
			t.Fatalf("second Do: err=%v want ErrRunInProgress", err)
		}
		// Steps under the hold run normally.
		return r.GenerateExample(ctx, p)
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if p.State != extract.StateExampleGenerated {
		t.Fatalf("state=%s", p.State)
	}
	if r.Busy(p.ID) {
		t.Fatalf("guard not released after Do")
	}

	boom := errors.New("boom")
	if err := r.Do(context.Background(), p.ID, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if r.Busy(p.ID) {
		t.Fatalf("guard not released after failing Do")
	}
}

func TestDo_StartTakesOverHold(t *testing.T) {
	p := approvedProject(t, "slow")
	entered := make(chan struct{})
	release := make(chan struct{})
	caller := completion.CallerFunc(func(context.Context, completion.Request) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`{"data_fields":[]}`), nil
	})
	r := runner.New(caller, runner.Options{}, nil)

	finished := make(chan error, 1)
	err := r.Do(context.Background(), p.ID, func(ctx context.Context) error {
		return r.Start(ctx, p, runner.RunOptions{}, func(_ runner.Summary, err error) { finished <- err })
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	<-entered
	if !r.Busy(p.ID) {
		t.Fatalf("background run must keep the project busy after Do returns")
	}
	close(release)
	if err := <-finished; err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait(context.Background())
	if r.Busy(p.ID) {
		t.Fatalf("project still busy after run")
	}
}

func TestRequestSchema(t *testing.T) {
	p := extract.NewProject()
	_ = p.SetGoal(extract.Setup{Title: "invoices", Prompt: "extract invoice totals"})
	_ = p.AttachFile(extract.NewTextFile("a.txt", "Total: $42.50"))
	_ = p.AttachFile(extract.NewTextFile("b.txt", "Total: $7.00"))

	var got completion.Request
	caller := completion.CallerFunc(func(_ context.Context, req completion.Request) (json.RawMessage, error) {
		got = req
		return json.RawMessage(`{"data_fields":[{"name":"total","description":"","data_type":"number","enum_values":[]}],"confirmation_message":"ok"}`), nil
	})
	if err := runner.New(caller, runner.Options{}, nil).RequestSchema(context.Background(), p); err != nil {
		t.Fatalf("request schema: %v", err)
	}
	if p.State != extract.StateSchemaReturned || p.Proposal == nil || p.Schema != nil {
		t.Fatalf("state=%s proposal=%v schema=%v", p.State, p.Proposal, p.Schema)
	}
	if !strings.Contains(got.User, "Total: $42.50") || strings.Contains(got.User, "Total: $7.00") {
		t.Fatalf("sample must be the first file only: %q", got.User)
	}
}

func TestRequestSchema_FailureLeavesProject(t *testing.T) {
	p := extract.NewProject()
	_ = p.SetGoal(extract.Setup{Title: "x"})
	_ = p.AttachFile(extract.NewTextFile("a.txt", "a"))

	caller := completion.CallerFunc(func(context.Context, completion.Request) (json.RawMessage, error) {
		return nil, &completion.RefusalError{Reason: "SAFETY"}
	})
	err := runner.New(caller, runner.Options{}, nil).RequestSchema(context.Background(), p)
	if !errors.Is(err, extract.ErrSchemaGenerationRefused) {
		t.Fatalf("err=%v", err)
	}
	if p.State != extract.StateFileUploaded || p.Proposal != nil {
		t.Fatalf("state=%s proposal=%v", p.State, p.Proposal)
	}
}

func TestGenerateExample_FirstFileOnly(t *testing.T) {
	p := approvedProject(t, "doc one", "doc two")
	caller := &echoCaller{}
	if err := runner.New(caller, runner.Options{}, nil).GenerateExample(context.Background(), p); err != nil {
		t.Fatalf("example: %v", err)
	}
	if got := caller.calls(); strings.Join(got, ",") != "doc one" {
		t.Fatalf("calls=%v", got)
	}
	if p.State != extract.StateExampleGenerated || len(p.Example) != 1 {
		t.Fatalf("state=%s example=%d", p.State, len(p.Example))
	}
	for _, f := range p.Files {
		if f.State != extract.FileNotStarted {
			t.Fatalf("example must not touch file state: %s=%s", f.FileName, f.State)
		}
	}
}

func TestRunAll_IndependentProjects(t *testing.T) {
	good1 := approvedProject(t, "a1", "a2")
	bad := approvedProject(t, "b1", "bad")
	good2 := approvedProject(t, "c1")
	caller := &echoCaller{failOn: map[string]error{"bad": errors.New("boom")}}

	var mu sync.Mutex
	ro := runner.RunOptions{OnProgress: func(*extract.Project) error {
		mu.Lock()
		defer mu.Unlock()
		return nil
	}}
	results := runner.New(caller, runner.Options{Workers: 2}, nil).RunAll(context.Background(), []*extract.Project{good1, bad, good2}, ro)
	if len(results) != 3 {
		t.Fatalf("results=%d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("good projects failed: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, extract.ErrExtractionFailed) || results[1].ProjectID != bad.ID {
		t.Fatalf("bad project result=%+v", results[1])
	}
	if good1.State != extract.StateComplete || good2.State != extract.StateComplete || bad.State != extract.StateError {
		t.Fatalf("states=%s/%s/%s", good1.State, bad.State, good2.State)
	}
}

func TestInvoiceScenario(t *testing.T) {
	caller := completion.CallerFunc(func(_ context.Context, req completion.Request) (json.RawMessage, error) {
		if req.Name == compiler.ContractName {
			return json.RawMessage(`{"data_fields":[{"total":42.50}]}`), nil
		}
		return json.RawMessage(`{"data_fields":[{"name":"total","description":"Invoice total","data_type":"number","enum_values":[]}],"confirmation_message":"Extracting totals"}`), nil
	})
	r := runner.New(caller, runner.Options{}, nil)
	ctx := context.Background()

	p := extract.NewProject()
	if err := p.SetGoal(extract.Setup{Title: "Invoices", Prompt: "extract invoice totals"}); err != nil {
		t.Fatalf("goal: %v", err)
	}
	if err := p.AttachFile(extract.NewTextFile("invoice.txt", "Total: $42.50")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := r.RequestSchema(ctx, p); err != nil {
		t.Fatalf("request schema: %v", err)
	}
	if err := p.ApproveSchema(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := r.RunProject(ctx, p, runner.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := p.Records()
	if len(records) != 1 {
		t.Fatalf("records=%d want 1", len(records))
	}
	if v, ok := records[0].Value("total"); !ok || v != "42.50" {
		t.Fatalf("total=%q ok=%v", v, ok)
	}
}
