// SPDX-License-Identifier: Apache-2.0

// Package slice implements the slicing engine: selection resolution, the
// precopy stage, table-group materialization and the migration pipeline.
package slice

import (
	"context"
	"database/sql"

	"github.com/rblakemesser/dbslice/internal/connstr"
	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/db"
)

const (
	// DefaultFanoutParallel bounds concurrent shard builds, inserts and
	// precopy tasks.
	DefaultFanoutParallel = 8
)

// Engine drives a single migration invocation. It owns a primary connection
// for sequential work and a pool from which fan-out workers draw dedicated
// connections.
type Engine struct {
	conn db.DB
	raw  *sql.DB
	plan *config.Plan

	fanoutParallel     int
	statementTimeoutMs int

	// selections accumulates resolved root selections for the lifetime of
	// the invocation.
	selections map[string]*Selection
}

type Option func(*Engine)

// WithFanoutParallel sets the fan-out concurrency bound.
func WithFanoutParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanoutParallel = n
		}
	}
}

// WithStatementTimeoutMs bounds every statement the engine issues at the
// connection level.
func WithStatementTimeoutMs(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.statementTimeoutMs = ms
		}
	}
}

// New connects to pgURL and returns an engine for the given plan. Fan-out
// workers and parallel redaction draw dedicated connections from the same
// pool.
func New(ctx context.Context, pgURL string, plan *config.Plan, opts ...Option) (*Engine, error) {
	e := &Engine{
		plan:           plan,
		fanoutParallel: DefaultFanoutParallel,
		selections:     make(map[string]*Selection),
	}
	for _, o := range opts {
		o(e)
	}

	if e.statementTimeoutMs > 0 {
		adjusted, err := connstr.AppendStatementTimeoutOption(pgURL, e.statementTimeoutMs)
		if err != nil {
			return nil, err
		}
		pgURL = adjusted
	}

	conn, err := db.Open(ctx, pgURL)
	if err != nil {
		return nil, err
	}
	e.conn = &db.RDB{DB: conn}
	e.raw = conn

	// Fan-out tasks each pin a connection; keep the pool at least as wide.
	conn.SetMaxOpenConns(e.fanoutParallel + 2)

	return e, nil
}

func (e *Engine) Close() error {
	return e.conn.Close()
}

// Conn is the engine's primary connection.
func (e *Engine) Conn() db.DB {
	return e.conn
}

// Pool is the raw connection pool fan-out workers draw dedicated
// connections from.
func (e *Engine) Pool() *sql.DB {
	return e.raw
}

func (e *Engine) Plan() *config.Plan {
	return e.plan
}

// withWorkerConn runs f on a connection dedicated to the calling task. The
// connection returns to the pool when f finishes.
func (e *Engine) withWorkerConn(ctx context.Context, f func(*sql.Conn) error) error {
	conn, err := e.raw.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return f(conn)
}
