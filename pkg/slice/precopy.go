// SPDX-License-Identifier: Apache-2.0

package slice

import (
	"context"
	"database/sql"

	"golang.org/x/sync/errgroup"

	"github.com/rblakemesser/dbslice/pkg/ddl"
)

// PrecopyResult lists the tables each precopy list newly created.
type PrecopyResult struct {
	SchemaOnly []string `json:"schema_only"`
	FullCopy   []string `json:"full_copy"`
}

// Precopy runs the schema-only and full-copy lists with bounded concurrency.
// Each table is processed on its own connection. A task failure does not
// cancel its siblings; the first recorded error is raised after all tasks
// finish.
func (e *Engine) Precopy(ctx context.Context) (*PrecopyResult, error) {
	if err := ddl.EnsureSchemas(ctx, e.conn, []string{e.plan.DestSchema}); err != nil {
		return nil, err
	}

	res := &PrecopyResult{}

	schemaOnly, err := e.precopyList(ctx, e.plan.Precopy.SchemaOnly, func(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
		return ddl.CreateSchemaOnlyTable(ctx, conn, e.plan.SourceSchema, e.plan.DestSchema, table)
	})
	if err != nil {
		return nil, err
	}
	res.SchemaOnly = schemaOnly

	fullCopy, err := e.precopyList(ctx, e.plan.Precopy.FullCopy, func(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
		return ddl.FullCopyTable(ctx, conn, e.plan.SourceSchema, e.plan.DestSchema, table)
	})
	if err != nil {
		return nil, err
	}
	res.FullCopy = fullCopy

	return res, nil
}

func (e *Engine) precopyList(ctx context.Context, tables []string, copyOne func(context.Context, *sql.Conn, string) (bool, error)) ([]string, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	created := make([]bool, len(tables))

	g := new(errgroup.Group)
	g.SetLimit(e.fanoutParallel)
	for i, table := range tables {
		g.Go(func() error {
			return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
				ok, err := copyOne(ctx, conn, table)
				if err != nil {
					return err
				}
				created[i] = ok
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for i, table := range tables {
		if created[i] {
			out = append(out, table)
		}
	}
	return out, nil
}
