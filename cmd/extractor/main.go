package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/app"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion/gemini"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/httpapi"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/redact"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/runner"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/store"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/version"
	"github.com/palantir/palantir-compute-module-structured-extract/pkg/foundry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command struct {
	name      string
	usesModel bool
	run       func(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int
}

var commands = []command{
	{name: "new", usesModel: true, run: cmdNew},
	{name: "add", run: cmdAdd},
	{name: "propose", usesModel: true, run: stepCommand((*app.App).ProposeSchema)},
	{name: "approve", run: stepCommand((*app.App).ApproveSchema)},
	{name: "reject", run: stepCommand((*app.App).RejectSchema)},
	{name: "back", run: stepCommand((*app.App).Back)},
	{name: "edit", run: cmdEdit},
	{name: "example", usesModel: true, run: stepCommand((*app.App).GenerateExample)},
	{name: "complete", run: stepCommand((*app.App).Complete)},
	{name: "run", usesModel: true, run: cmdRun},
	{name: "list", run: cmdList},
	{name: "show", run: cmdShow},
	{name: "export", run: cmdExport},
	{name: "contract", run: cmdContract},
	{name: "publish", run: cmdPublish},
	{name: "delete", run: cmdDelete},
	{name: "serve", usesModel: true, run: cmdServe},
}

// run dispatches a subcommand and returns the process exit code: 0 on
// success, 2 for usage and configuration errors, 1 when the operation fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	case "version", "--version":
		_, _ = fmt.Fprintln(stdout, version.Current)
		return 0
	}

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		cfg, err := loadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "config error: %s\n", redact.Error(err))
			return 2
		}
		fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		env := &cliEnv{cfg: cfg, usesModel: c.usesModel, stdout: stdout, stderr: stderr}
		env.flags = bindCommonFlags(fs, &env.cfg)
		return c.run(ctx, env, fs, args[1:])
	}

	_, _ = fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
	usage(stderr)
	return 2
}

type commonFlags struct {
	dryRun bool
}

func bindCommonFlags(fs *flag.FlagSet, cfg *config) *commonFlags {
	cf := &commonFlags{}
	dryRun, _ := envBool("EXTRACTOR_DRY_RUN")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Store backend: file, sqlite, postgres, redis or memory (env: STORE_BACKEND)")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "Store path or connection string (env: STORE_DSN)")
	fs.StringVar(&cfg.Gemini.Model, "gemini-model", cfg.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.StringVar(&cfg.Gemini.BaseURL, "gemini-base-url", cfg.Gemini.BaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
	fs.DurationVar(&cfg.Runner.RequestTimeout, "request-timeout", cfg.Runner.RequestTimeout, "Per-call model timeout (env: REQUEST_TIMEOUT)")
	fs.IntVar(&cfg.Runner.MaxRetries, "max-retries", cfg.Runner.MaxRetries, "Retries per call for transient failures (env: MAX_RETRIES)")
	fs.Float64Var(&cfg.Runner.RateLimitRPS, "rate-limit-rps", cfg.Runner.RateLimitRPS, "Global model request rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.BoolVar(&cf.dryRun, "dry-run", dryRun, "Answer model calls with placeholder data instead of calling Gemini (env: EXTRACTOR_DRY_RUN)")
	return cf
}

// cliEnv holds what a subcommand needs once its flags are parsed.
type cliEnv struct {
	cfg       config
	flags     *commonFlags
	usesModel bool
	stdout    io.Writer
	stderr    io.Writer

	store    store.Store
	projects *store.Collection
	runner   *runner.Runner
	app      *app.App
}

// open builds the store, runner and app. It returns a non-zero exit code
// when configuration is unusable.
func (e *cliEnv) open(ctx context.Context) int {
	if err := e.cfg.validate(); err != nil {
		_, _ = fmt.Fprintf(e.stderr, "config error: %s\n", redact.Error(err))
		return 2
	}
	logger := log.New(e.stderr, "", log.LstdFlags)

	var caller completion.Caller = completion.CallerFunc(func(context.Context, completion.Request) (json.RawMessage, error) {
		return nil, errors.New("this command does not call the model")
	})
	switch {
	case e.flags.dryRun:
		caller = completion.Synthetic{}
	case e.usesModel:
		c, err := gemini.New(ctx, e.cfg.Gemini)
		if err != nil {
			_, _ = fmt.Fprintf(e.stderr, "gemini config error: %s\n", redact.Error(err))
			return 2
		}
		caller = c
	}

	s, err := store.Open(ctx, e.cfg.StoreBackend, e.cfg.StoreDSN)
	if err != nil {
		_, _ = fmt.Fprintf(e.stderr, "store error: %s\n", redact.Error(err))
		return 2
	}
	projects, err := store.NewCollection(ctx, s)
	if err != nil {
		_ = s.Close()
		_, _ = fmt.Fprintf(e.stderr, "store error: %s\n", redact.Error(err))
		return 2
	}
	e.store = s
	e.projects = projects
	e.runner = runner.New(caller, e.cfg.Runner, logger)
	e.app = app.New(projects, e.runner, logger)
	return 0
}

func (e *cliEnv) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func (e *cliEnv) fail(op string, err error) int {
	_, _ = fmt.Fprintf(e.stderr, "%s failed: %s\n", op, redact.Error(err))
	return 1
}

// parse parses flags and checks the positional argument count.
func parse(fs *flag.FlagSet, args []string, wantArgs int, argsUsage string) ([]string, bool) {
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "Usage: extractor %s [flags] %s\n", fs.Name(), argsUsage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	if wantArgs >= 0 && fs.NArg() != wantArgs {
		fs.Usage()
		return nil, false
	}
	return fs.Args(), true
}

func cmdNew(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	goal := fs.String("goal", "", "Free-text goal; the model proposes title, description and prompt")
	title := fs.String("title", "", "Project title (skips the goal proposal)")
	description := fs.String("description", "", "Project description")
	prompt := fs.String("prompt", "", "Extraction instruction sent with every document")
	if _, ok := parse(fs, args, 0, ""); !ok {
		return 2
	}
	if strings.TrimSpace(*goal) == "" && strings.TrimSpace(*title) == "" {
		_, _ = fmt.Fprintln(env.stderr, "new requires --goal or --title")
		return 2
	}
	if strings.TrimSpace(*title) != "" {
		// A full setup needs no model call.
		env.usesModel = false
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	p, err := env.app.Create(ctx, *goal, extract.Setup{Title: *title, Description: *description, Prompt: *prompt})
	if err != nil {
		return env.fail("new", err)
	}
	_, _ = fmt.Fprintf(env.stdout, "%s\t%s\t%s\n", p.ID, p.Title, p.State)
	return 0
}

func cmdAdd(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	rest, ok := parse(fs, args, -1, "<project> <file|dir>...")
	if !ok {
		return 2
	}
	if len(rest) < 2 {
		fs.Usage()
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	p, err := env.app.AddFiles(ctx, rest[0], rest[1:])
	if err != nil {
		return env.fail("add", err)
	}
	printProject(env.stdout, p)
	return 0
}

// stepCommand adapts a single-project lifecycle step to a subcommand.
func stepCommand(step func(*app.App, context.Context, string) (*extract.Project, error)) func(context.Context, *cliEnv, *flag.FlagSet, []string) int {
	return func(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
		rest, ok := parse(fs, args, 1, "<project>")
		if !ok {
			return 2
		}
		if code := env.open(ctx); code != 0 {
			return code
		}
		defer env.close()

		p, err := step(env.app, ctx, rest[0])
		if err != nil {
			return env.fail(fs.Name(), err)
		}
		printProject(env.stdout, p)
		return 0
	}
}

func cmdEdit(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	title := fs.String("title", "", "New project title")
	description := fs.String("description", "", "New project description")
	prompt := fs.String("prompt", "", "New extraction instruction")
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	var e extract.Edit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			e.Title = title
		case "description":
			e.Description = description
		case "prompt":
			e.Prompt = prompt
		}
	})
	if e.Title == nil && e.Description == nil && e.Prompt == nil {
		_, _ = fmt.Fprintln(env.stderr, "edit requires --title, --description or --prompt")
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	p, err := env.app.Edit(ctx, rest[0], e)
	if err != nil {
		return env.fail("edit", err)
	}
	printProject(env.stdout, p)
	return 0
}

func cmdRun(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	all := fs.Bool("all", false, "Run every runnable project concurrently")
	resume := fs.Bool("resume", false, "Keep results of files that already finished")
	fs.IntVar(&env.cfg.Runner.Workers, "workers", env.cfg.Runner.Workers, "Projects run at once with --all (env: PROJECT_WORKERS)")
	rest, ok := parse(fs, args, -1, "<project> | --all")
	if !ok {
		return 2
	}
	if *all == (len(rest) == 1) || len(rest) > 1 {
		_, _ = fmt.Fprintln(env.stderr, "run requires exactly one project or --all")
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	if *all {
		results := env.app.RunAll(ctx, *resume)
		failed := 0
		tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PROJECT\tTITLE\tFINISHED\tRECORDS\tERROR")
		for _, r := range results {
			msg := ""
			if r.Err != nil {
				failed++
				msg = redact.Error(r.Err)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n", r.ProjectID, r.Title, r.Summary.Finished+r.Summary.Skipped, r.Summary.Files, r.Summary.Records, msg)
		}
		_ = tw.Flush()
		if failed > 0 {
			return 1
		}
		return 0
	}

	sum, _, err := env.app.Run(ctx, rest[0], *resume)
	if err != nil {
		if sum.FailedFile != "" {
			_, _ = fmt.Fprintf(env.stderr, "file %q failed after %d finished\n", sum.FailedFile, sum.Finished+sum.Skipped)
		}
		return env.fail("run", err)
	}
	_, _ = fmt.Fprintf(env.stdout, "%s: finished=%d skipped=%d records=%d duration=%s\n",
		sum.RunID, sum.Finished, sum.Skipped, sum.Records, sum.Duration.Round(time.Millisecond))
	return 0
}

func cmdList(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	if _, ok := parse(fs, args, 0, ""); !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tSTATE\tFILES\tRECORDS")
	for _, p := range env.app.List() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", p.ID, p.Title, p.State.DisplayName(), len(p.Files), len(p.Records()))
	}
	_ = tw.Flush()
	return 0
}

func cmdShow(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	asJSON := fs.Bool("json", false, "Print the stored project record")
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	p, err := env.app.Get(rest[0])
	if err != nil {
		return env.fail("show", err)
	}
	if *asJSON {
		b, err := extract.EncodeProjects([]*extract.Project{p})
		if err != nil {
			return env.fail("show", err)
		}
		_, _ = env.stdout.Write(b)
		_, _ = fmt.Fprintln(env.stdout)
		return 0
	}
	printProject(env.stdout, p)
	return 0
}

func cmdExport(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	format := fs.String("format", app.FormatCSV, "Output format: csv or jsonl")
	output := fs.String("output", "", "Output file path (default stdout)")
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	var w io.Writer = env.stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return env.fail("export", err)
		}
		defer func() {
			_ = f.Close()
		}()
		w = f
	}
	if err := env.app.Export(rest[0], *format, w); err != nil {
		return env.fail("export", err)
	}
	return 0
}

func cmdContract(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	contract, err := env.app.Contract(rest[0])
	if err != nil {
		return env.fail("contract", err)
	}
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(contract); err != nil {
		return env.fail("contract", err)
	}
	return 0
}

func cmdPublish(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	dataset := fs.String("dataset", "", "Dataset alias (RESOURCE_ALIAS_MAP) or RID")
	branch := fs.String("branch", "", "Dataset branch (default: alias branch or master)")
	fileName := fs.String("file-name", "", "File name inside the dataset (default: derived from the title)")
	format := fs.String("format", app.FormatCSV, "Output format: csv or jsonl")
	appendFile := fs.Bool("append", false, "Add the file to the dataset instead of replacing its contents")
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	if strings.TrimSpace(*dataset) == "" {
		_, _ = fmt.Fprintln(env.stderr, "publish requires --dataset")
		return 2
	}
	fenv, err := foundry.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(env.stderr, "foundry config error: %s\n", redact.Error(err))
		return 2
	}
	pub, err := foundry.NewPublisher(fenv)
	if err != nil {
		_, _ = fmt.Fprintf(env.stderr, "foundry config error: %s\n", redact.Error(err))
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	res, err := env.app.Publish(ctx, rest[0], *format, foundry.Upload{
		Dataset:  *dataset,
		Branch:   *branch,
		FileName: *fileName,
		Append:   *appendFile,
	}, pub)
	if err != nil {
		return env.fail("publish", err)
	}
	state := "committed"
	if !res.Committed {
		state = "staged in open transaction"
	}
	_, _ = fmt.Fprintf(env.stdout, "%s@%s/%s: %s %s\n", res.Dataset.RID, res.Dataset.Branch, res.FileName, state, res.TransactionRID)
	return 0
}

func cmdDelete(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	rest, ok := parse(fs, args, 1, "<project>")
	if !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	if err := env.app.Delete(ctx, rest[0]); err != nil {
		return env.fail("delete", err)
	}
	return 0
}

func cmdServe(ctx context.Context, env *cliEnv, fs *flag.FlagSet, args []string) int {
	fs.StringVar(&env.cfg.HTTPAddr, "addr", env.cfg.HTTPAddr, "Listen address (env: HTTP_ADDR)")
	if _, ok := parse(fs, args, 0, ""); !ok {
		return 2
	}
	if code := env.open(ctx); code != 0 {
		return code
	}
	defer env.close()

	logger := log.New(env.stderr, "", log.LstdFlags)

	var pub app.DatasetPublisher
	fenv, err := foundry.LoadEnv()
	switch {
	case errors.Is(err, foundry.ErrNotConfigured):
		logger.Printf("publishing disabled: %s", err)
	case err != nil:
		_, _ = fmt.Fprintf(env.stderr, "foundry config error: %s\n", redact.Error(err))
		return 2
	default:
		p, err := foundry.NewPublisher(fenv)
		if err != nil {
			_, _ = fmt.Fprintf(env.stderr, "foundry config error: %s\n", redact.Error(err))
			return 2
		}
		pub = p
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	api := httpapi.New(httpapi.Config{
		Projects:   env.projects,
		Runner:     env.runner,
		Logger:     logger,
		Publisher:  pub,
		RunContext: runCtx,
	})
	srv := &http.Server{
		Addr:              env.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening: addr=%s store=%s model=%s", env.cfg.HTTPAddr, env.cfg.StoreBackend, env.cfg.Gemini.Model)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return env.fail("serve", err)
		}
		return 0
	case <-ctx.Done():
	}

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cancelRuns()
	env.runner.Wait(shutdownCtx)
	return 0
}

func printProject(w io.Writer, p *extract.Project) {
	_, _ = fmt.Fprintf(w, "%s  %s  [%s]\n", p.ID, p.Title, p.State.DisplayName())
	if p.Description != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", p.Description)
	}
	if p.LastError != "" {
		_, _ = fmt.Fprintf(w, "  last error: %s\n", p.LastError)
	}
	printSchema := func(label string, s *extract.Schema) {
		if s == nil {
			return
		}
		_, _ = fmt.Fprintf(w, "  %s:\n", label)
		for _, f := range s.Fields {
			kind := string(f.DataType)
			if len(f.EnumValues) > 0 {
				kind += " (" + strings.Join(f.EnumValues, ", ") + ")"
			}
			_, _ = fmt.Fprintf(w, "    %-20s %-10s %s\n", f.Name, kind, f.Description)
		}
		if s.ConfirmationMessage != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", s.ConfirmationMessage)
		}
	}
	printSchema("schema", p.Schema)
	printSchema("proposal", p.Proposal)
	for i, r := range p.Example {
		_, _ = fmt.Fprintf(w, "  example %d:", i+1)
		for _, f := range r.Fields {
			v := "null"
			if f.Value != nil {
				v = *f.Value
			}
			_, _ = fmt.Fprintf(w, " %s=%s", f.Name, v)
		}
		_, _ = fmt.Fprintln(w)
	}
	for _, f := range p.Files {
		line := fmt.Sprintf("  %-30s %-12s records=%d", f.FileName, f.State, len(f.Results))
		if f.Error != "" {
			line += " error=" + f.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `extractor: schema-driven structured extraction over text documents

Usage:
  extractor <command> [flags] [args]

Authoring:
  new       Create a project (--goal "..." or --title/--description/--prompt)
  add       Attach files or directories: add <project> <path>...
  propose   Ask the model for a schema using the first file as a sample
  approve   Approve the pending schema proposal
  reject    Discard the pending schema proposal
  example   Extract the first file with the approved schema as a preview
  complete  Finish authoring
  back      Step back one authoring stage
  edit      Change details: edit <project> [--title] [--description] [--prompt]

Running:
  run       Extract every file: run [--resume] <project> | run --all [--resume]
  serve     Serve the HTTP API

Inspecting:
  list      List projects
  show      Show a project (--json for the stored record)
  export    Write extracted records (--format csv|jsonl, --output path)
  contract  Print the JSON schema sent to the model
  publish   Upload records to a Foundry dataset (--dataset alias|rid, --branch, --append)
  delete    Delete a project
  version   Print the version

Projects are referenced by ID or title. Flags go before positional arguments.

Environment:
  GEMINI_API_KEY      Gemini API key (required for model calls unless --dry-run)
  GEMINI_MODEL        Gemini model name (default %s)
  GEMINI_BASE_URL     Optional base URL override (proxies/testing)
  GEMINI_TEMPERATURE  Sampling temperature (default 0.2)
  REQUEST_TIMEOUT     Per-call timeout (default 60s)
  MAX_RETRIES         Retries for transient failures (default 0)
  RATE_LIMIT_RPS      Global model request rate, 0 disables
  PROJECT_WORKERS     Concurrent projects for run --all (default 4)
  STORE_BACKEND       file, sqlite, postgres, redis or memory (default file)
  STORE_DSN           Store path or connection string
  HTTP_ADDR           serve listen address (default :8080)
  EXTRACTOR_CONFIG    YAML config file (default ./extractor.yaml if present)

Publishing:
  FOUNDRY_URL or FOUNDRY_SERVICE_DISCOVERY_V2   Foundry API endpoint
  FOUNDRY_TOKEN or BUILD2_TOKEN (file)          Bearer token
  RESOURCE_ALIAS_MAP                            Optional JSON file of dataset aliases
  DEFAULT_CA_PATH                               Optional PEM trust store

`, gemini.DefaultModel)
}
