package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newProject(t *testing.T, title string) *extract.Project {
	t.Helper()
	p := extract.NewProject()
	require.NoError(t, p.SetGoal(extract.Setup{Title: title, Description: title + " docs", Prompt: "extract " + title}))
	require.NoError(t, p.AttachFile(extract.NewTextFile("a.txt", "Total: $42.50")))
	return p
}

func finishedProject(t *testing.T, title string) *extract.Project {
	t.Helper()
	p := newProject(t, title)
	schema := extract.Schema{
		Fields:              []extract.SchemaField{{Name: "total", Description: "Invoice total", DataType: extract.DataTypeNumber}},
		ConfirmationMessage: "ok",
	}
	require.NoError(t, p.ProposeSchema(schema))
	require.NoError(t, p.ApproveSchema())
	p.Files[0].Finish([]extract.ExtractionRecord{{
		Fields:              []extract.SchemaFieldResult{{SchemaField: schema.Fields[0], Value: strPtr("42.50")}},
		ConfirmationMessage: "ok",
	}})
	return p
}

// exerciseStore runs the same save/load cycle against any backend.
func exerciseStore(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	a := finishedProject(t, "Invoices")
	b := newProject(t, "Receipts")
	require.NoError(t, s.Save(ctx, []*extract.Project{a, b}))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)
	assert.Equal(t, extract.StateSchemaApproved, got[0].State)
	v, ok := got[0].Files[0].Results[0].Value("total")
	require.True(t, ok)
	assert.Equal(t, "42.50", v)

	// Dropping a project removes it from the next load.
	require.NoError(t, s.Save(ctx, []*extract.Project{b}))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "projects.json")
	s := store.NewFileStore(path)
	exerciseStore(t, s)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "projects.json", entries[0].Name())
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.NewFileStore(path).Load(context.Background())
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, store.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "projects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "projects.db")

	s, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	p := finishedProject(t, "Invoices")
	require.NoError(t, s.Save(ctx, []*extract.Project{p}))
	require.NoError(t, s.Close())

	s, err = store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	s, err := store.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Save(ctx, nil)
		_ = s.Close()
	})
	require.NoError(t, s.Save(ctx, nil))
	exerciseStore(t, s)
}

func newRedisStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStore(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t)
	exerciseStore(t, s)

	keys := mr.Keys()
	assert.Contains(t, keys, "test:projects")
	assert.Len(t, keys, 2, "stale project documents must be deleted")
}

func TestRedisStore_SkipsMissingDocument(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	a := newProject(t, "Invoices")
	b := newProject(t, "Receipts")
	require.NoError(t, s.Save(ctx, []*extract.Project{a, b}))
	mr.Del("test:project:" + a.ID)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.BackendRedis, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := store.Open(ctx, "", filepath.Join(t.TempDir(), "p.json"))
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, s)

	s, err = store.Open(ctx, "SQLite", filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	assert.IsType(t, &store.SQLStore{}, s)
	require.NoError(t, s.Close())

	s, err = store.Open(ctx, store.BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)

	_, err = store.Open(ctx, store.BackendPostgres, "")
	require.Error(t, err)

	_, err = store.Open(ctx, "etcd", "")
	require.ErrorContains(t, err, "unknown store backend")
}

type failingStore struct {
	store.Store
	fail bool
}

func (f *failingStore) Save(ctx context.Context, projects []*extract.Project) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, projects)
}

func TestCollection(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	c, err := store.NewCollection(ctx, backing)
	require.NoError(t, err)

	a := newProject(t, "Invoices")
	require.NoError(t, c.Add(ctx, a))
	require.ErrorIs(t, c.Add(ctx, a), store.ErrDuplicate)

	dupTitle := newProject(t, "invoices ")
	require.ErrorIs(t, c.Add(ctx, dupTitle), store.ErrDuplicate)

	b := newProject(t, "Receipts")
	require.NoError(t, c.Add(ctx, b))

	got, err := c.Resolve("Receipts")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	got, err = c.Resolve(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoices", got.Title)
	_, err = c.Resolve("missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Mutating a copy does not leak into the collection.
	got.Files[0].Contents = "changed"
	again, err := c.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Total: $42.50", again.Files[0].Contents)

	// Replace persists.
	require.NoError(t, c.Replace(ctx, got))
	reloaded, err := store.NewCollection(ctx, backing)
	require.NoError(t, err)
	r, err := reloaded.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed", r.Files[0].Contents)

	// Renaming onto another project's title is rejected.
	got.Title = "Receipts"
	require.ErrorIs(t, c.Replace(ctx, got), store.ErrDuplicate)

	require.NoError(t, c.Delete(ctx, a.ID))
	require.ErrorIs(t, c.Delete(ctx, a.ID), store.ErrNotFound)
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestCollection_FailedSaveKeepsState(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{Store: store.NewMemoryStore()}
	c, err := store.NewCollection(ctx, fs)
	require.NoError(t, err)

	a := newProject(t, "Invoices")
	require.NoError(t, c.Add(ctx, a))

	fs.fail = true
	require.Error(t, c.Add(ctx, newProject(t, "Receipts")))
	require.Error(t, c.Delete(ctx, a.ID))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestCollection_RecoversInterruptedRun(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()

	p := newProject(t, "Invoices")
	require.NoError(t, p.AttachFile(extract.NewTextFile("b.txt", "Total: $7")))
	require.NoError(t, p.ProposeSchema(extract.Schema{
		Fields:              []extract.SchemaField{{Name: "total", Description: "Invoice total", DataType: extract.DataTypeNumber}},
		ConfirmationMessage: "ok",
	}))
	require.NoError(t, p.ApproveSchema())
	require.NoError(t, p.BeginRun())
	p.Files[0].Finish([]extract.ExtractionRecord{{ConfirmationMessage: "ok"}})
	p.Files[1].Start()
	// A process that dies here leaves the project stored as RUNNING.
	require.NoError(t, backing.Save(ctx, []*extract.Project{p}))

	c, err := store.NewCollection(ctx, backing)
	require.NoError(t, err)
	got, err := c.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, extract.StateError, got.State)
	assert.Equal(t, extract.InterruptedRunMessage, got.LastError)
	assert.Equal(t, extract.FileFinished, got.Files[0].State)
	assert.Len(t, got.Files[0].Results, 1)
	assert.Equal(t, extract.FileFailed, got.Files[1].State)
	require.NoError(t, got.BeginRun(), "run must be allowed again")
}
