// Package testutil provides a database/sql driver that fakes the runs table
// of the postgres run catalog in memory.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Int64

// RunRow is one row of the runs table.
type RunRow struct {
	ID      string
	Payload []byte
}

type stmtKind int

const (
	stmtCreate stmtKind = iota
	stmtUpsert
	stmtDelete
	stmtSelect
)

var statements = []struct {
	kind stmtKind
	re   *regexp.Regexp
}{
	{stmtCreate, regexp.MustCompile(`(?is)^CREATE TABLE IF NOT EXISTS runs\s*\(\s*id TEXT PRIMARY KEY,\s*payload JSONB NOT NULL\s*\)$`)},
	{stmtUpsert, regexp.MustCompile(`(?is)^INSERT INTO runs\s*\(id,\s*payload\)\s*VALUES\s*\(\$1,\s*\$2\)\s*ON CONFLICT\s*\(id\)\s*DO UPDATE SET payload\s*=\s*EXCLUDED\.payload$`)},
	{stmtDelete, regexp.MustCompile(`(?is)^DELETE FROM runs WHERE id\s*=\s*\$1$`)},
	{stmtSelect, regexp.MustCompile(`(?is)^SELECT id,\s*payload FROM runs$`)},
}

func classify(query string) (stmtKind, error) {
	q := strings.TrimSpace(query)
	for _, s := range statements {
		if s.re.MatchString(q) {
			return s.kind, nil
		}
	}
	return 0, fmt.Errorf("stub: unsupported statement %q", q)
}

// StubConn holds the runs table and records every statement. Writes issued
// inside a transaction only reach Runs on commit.
type StubConn struct {
	mu sync.Mutex

	// Execs lists executed statements in order, queries excluded.
	Execs []string
	// Runs is the committed table in insertion order.
	Runs []RunRow
	// TableCreated reports whether the DDL ran.
	TableCreated bool

	FailPing   bool
	FailBegin  bool
	FailCommit bool
	FailUpsert bool
	FailDelete bool
	FailSelect bool
	// RowsErr is returned once the select rows are exhausted.
	RowsErr error

	pending []func()
	inTx    bool
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{}
	name := fmt.Sprintf("trackcore-stubpg-%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Run returns the committed row for id.
func (c *StubConn) Run(id string) (RunRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(id)
	if i < 0 {
		return RunRow{}, false
	}
	return c.Runs[i], true
}

// Seed stores rows as if they had been committed earlier.
func (c *StubConn) Seed(rows ...RunRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.upsert(r)
	}
}

func (c *StubConn) index(id string) int {
	return slices.IndexFunc(c.Runs, func(r RunRow) bool { return r.ID == id })
}

func (c *StubConn) upsert(r RunRow) {
	r.Payload = slices.Clone(r.Payload)
	if i := c.index(r.ID); i >= 0 {
		c.Runs[i] = r
		return
	}
	c.Runs = append(c.Runs, r)
}

func (c *StubConn) remove(id string) {
	if i := c.index(id); i >= 0 {
		c.Runs = slices.Delete(c.Runs, i, i+1)
	}
}

// write applies fn now, or on commit when a transaction is open.
func (c *StubConn) write(fn func()) {
	if c.inTx {
		c.pending = append(c.pending, fn)
		return
	}
	fn()
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn. Every statement goes through the context
// fast paths instead.
func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepared statements are not supported")
}

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("stub: ping failed")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, errors.New("stub: begin failed")
	}
	if c.inTx {
		return nil, errors.New("stub: transaction already open")
	}
	c.inTx = true
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext for the DDL, upsert and delete
// statements.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	kind, err := classify(query)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, strings.TrimSpace(query))

	switch kind {
	case stmtCreate:
		c.TableCreated = true
		return driver.RowsAffected(0), nil
	case stmtUpsert:
		if c.FailUpsert {
			return nil, errors.New("stub: upsert failed")
		}
		row, err := runRowArgs(args)
		if err != nil {
			return nil, err
		}
		c.write(func() { c.upsert(row) })
		return driver.RowsAffected(1), nil
	case stmtDelete:
		if c.FailDelete {
			return nil, errors.New("stub: delete failed")
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("stub: delete takes 1 argument, got %d", len(args))
		}
		id, ok := args[0].Value.(string)
		if !ok {
			return nil, fmt.Errorf("stub: delete id has type %T", args[0].Value)
		}
		c.write(func() { c.remove(id) })
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("stub: %q is a query", query)
}

func runRowArgs(args []driver.NamedValue) (RunRow, error) {
	if len(args) != 2 {
		return RunRow{}, fmt.Errorf("stub: upsert takes 2 arguments, got %d", len(args))
	}
	id, ok := args[0].Value.(string)
	if !ok {
		return RunRow{}, fmt.Errorf("stub: run id has type %T", args[0].Value)
	}
	var payload []byte
	switch v := args[1].Value.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		return RunRow{}, fmt.Errorf("stub: payload has type %T", v)
	}
	return RunRow{ID: id, Payload: payload}, nil
}

// QueryContext implements driver.QueryerContext for the catalog's select.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	kind, err := classify(query)
	if err != nil {
		return nil, err
	}
	if kind != stmtSelect {
		return nil, fmt.Errorf("stub: %q is not a query", query)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSelect {
		return nil, errors.New("stub: select failed")
	}
	rows := make([]RunRow, len(c.Runs))
	for i, r := range c.Runs {
		rows[i] = RunRow{ID: r.ID, Payload: slices.Clone(r.Payload)}
	}
	return &runRows{rows: rows, err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending, c.inTx = nil, false
	if c.FailCommit {
		return errors.New("stub: commit failed")
	}
	for _, fn := range pending {
		fn()
	}
	return nil
}

func (t *stubTx) Rollback() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending, c.inTx = nil, false
	return nil
}

type runRows struct {
	rows []RunRow
	idx  int
	err  error
}

func (r *runRows) Columns() []string { return []string{"id", "payload"} }
func (r *runRows) Close() error      { return nil }

func (r *runRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	row := r.rows[r.idx]
	dest[0], dest[1] = row.ID, row.Payload
	r.idx++
	return nil
}
