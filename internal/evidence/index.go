// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package evidence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zb.256lights.llc/rebuilder"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// IndexFile is the name of the run index database in the evidence root.
const IndexFile = "index.db"

// Store is a directory of evidence bundles with an index of runs.
type Store struct {
	dir string
	db  *sqlitemigration.Pool
}

// Open opens the evidence store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("open evidence store: %v", err)
	}
	return &Store{
		dir: dir,
		db: sqlitemigration.NewPool(filepath.Join(dir, IndexFile), loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating run index...")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Run index migration: %v", err)
			},
		}),
	}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the store's database connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is an entry in the run index.
type Run struct {
	// ID is the attempt ID of the run.
	ID         string
	Package    string
	Remote     string
	Ref        string
	Commit     rebuilder.Commit
	Outcome    rebuilder.Outcome
	ErrorKind  rebuilder.ErrorKind
	StartedAt  time.Time
	FinishedAt time.Time
	// Dir is the evidence directory relative to the store root.
	Dir    string
	Counts map[rebuilder.Classification]int
}

// Persist atomically writes the bundle into the store
// and records the run in the index.
// It returns the absolute path of the evidence directory.
func (s *Store) Persist(ctx context.Context, b *Bundle, run *Run) (string, error) {
	rel, err := b.RelPath()
	if err != nil {
		return "", fmt.Errorf("persist evidence: %v", err)
	}
	dir := filepath.Join(s.dir, rel)
	if err := b.Replace(dir); err != nil {
		return "", fmt.Errorf("persist evidence: %v", err)
	}
	log.Debugf(ctx, "Wrote evidence to %s", dir)

	if run != nil {
		indexed := *run
		indexed.Dir = filepath.ToSlash(rel)
		indexed.Outcome = b.Verdict.Outcome
		indexed.ErrorKind = b.Verdict.ErrorKind
		if t := b.Verdict.Target; t != nil {
			indexed.Package = t.Package
			indexed.Remote = t.Remote
			indexed.Ref = t.Ref
			indexed.Commit = t.Commit
		} else if indexed.Package == "" {
			indexed.Package = b.Package
		}
		if b.Verdict.Summary != nil {
			indexed.Counts = b.Verdict.Summary.Counts
		}
		if err := s.record(ctx, &indexed); err != nil {
			return dir, fmt.Errorf("persist evidence: %v", err)
		}
	}
	return dir, nil
}

func (s *Store) record(ctx context.Context, run *Run) (err error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("index run %s: %v", run.ID, err)
	}
	defer s.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index run %s: %v", run.ID, err)
	}
	defer endFn(&err)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_run.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":           run.ID,
			":package":      run.Package,
			":remote":       run.Remote,
			":ref":          run.Ref,
			":commit":       string(run.Commit),
			":outcome":      string(run.Outcome),
			":error_kind":   string(run.ErrorKind),
			":started_at":   run.StartedAt.UnixMilli(),
			":finished_at":  run.FinishedAt.UnixMilli(),
			":evidence_dir": run.Dir,
		},
	})
	if err != nil {
		return fmt.Errorf("index run %s: %v", run.ID, err)
	}
	for _, c := range rebuilder.Classifications {
		n, ok := run.Counts[c]
		if !ok {
			continue
		}
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_count.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":run_id":         run.ID,
				":classification": string(c),
				":count":          n,
			},
		})
		if err != nil {
			return fmt.Errorf("index run %s: %v", run.ID, err)
		}
	}
	return nil
}

// Recent returns at most limit runs from the index, most recently finished first.
// If pkg is not empty, only runs of that package are returned.
func (s *Store) Recent(ctx context.Context, pkg string, limit int) ([]*Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %v", err)
	}
	defer s.db.Put(conn)

	var runs []*Run
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "recent_runs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":package": pkg,
			":n":       limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			runs = append(runs, &Run{
				ID:         stmt.GetText("id"),
				Package:    stmt.GetText("package"),
				Remote:     stmt.GetText("remote"),
				Ref:        stmt.GetText("ref"),
				Commit:     rebuilder.Commit(stmt.GetText("commit")),
				Outcome:    rebuilder.Outcome(stmt.GetText("outcome")),
				ErrorKind:  rebuilder.ErrorKind(stmt.GetText("error_kind")),
				StartedAt:  time.UnixMilli(stmt.GetInt64("started_at")),
				FinishedAt: time.UnixMilli(stmt.GetInt64("finished_at")),
				Dir:        stmt.GetText("evidence_dir"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %v", err)
	}
	for _, run := range runs {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "run_counts.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":run_id": run.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if run.Counts == nil {
					run.Counts = make(map[rebuilder.Classification]int)
				}
				run.Counts[rebuilder.Classification(stmt.GetText("classification"))] = int(stmt.GetInt64("count"))
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("list recent runs: %v", err)
		}
	}
	return runs, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
