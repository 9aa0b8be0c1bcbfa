// SPDX-License-Identifier: Apache-2.0

// Package promote atomically swaps the destination schema into the live
// namespace and back. Preconditions are validated inside the same
// transaction that renames, so a lost race aborts cleanly.
package promote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// DefaultOldSchema is where the displaced live schema lands.
const DefaultOldSchema = "old"

// LiveSchema is the namespace applications read from.
const LiveSchema = "public"

type SchemaExistsError struct {
	Schema string
}

func (e SchemaExistsError) Error() string {
	return fmt.Sprintf("schema %q already exists; aborting", e.Schema)
}

type SchemaMissingError struct {
	Schema string
}

func (e SchemaMissingError) Error() string {
	return fmt.Sprintf("schema %q does not exist", e.Schema)
}

// Swap renames public to oldSchema and destSchema to public, requiring
// destSchema to exist and oldSchema not to. Materialized views in the new
// public schema are refreshed afterwards; a refresh failure does not undo
// the promotion.
func Swap(ctx context.Context, conn *db.RDB, destSchema, oldSchema string) error {
	if oldSchema == "" {
		oldSchema = DefaultOldSchema
	}

	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := &db.Tx{Tx: tx}
		destOK, err := introspect.SchemaExists(ctx, q, destSchema)
		if err != nil {
			return err
		}
		if !destOK {
			return SchemaMissingError{Schema: destSchema}
		}
		oldOK, err := introspect.SchemaExists(ctx, q, oldSchema)
		if err != nil {
			return err
		}
		if oldOK {
			return SchemaExistsError{Schema: oldSchema}
		}
		if err := ddl.RenameSchema(ctx, q, LiveSchema, oldSchema); err != nil {
			return err
		}
		return ddl.RenameSchema(ctx, q, destSchema, LiveSchema)
	})
	if err != nil {
		return err
	}

	// Refresh is best-effort; the rename has already committed.
	_ = ddl.RefreshAllMatviews(ctx, conn, LiveSchema)
	return nil
}

// Unswap is the symmetric inverse of Swap: public returns to destSchema and
// oldSchema becomes public again.
func Unswap(ctx context.Context, conn *db.RDB, destSchema, oldSchema string) error {
	if oldSchema == "" {
		oldSchema = DefaultOldSchema
	}

	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := &db.Tx{Tx: tx}
		oldOK, err := introspect.SchemaExists(ctx, q, oldSchema)
		if err != nil {
			return err
		}
		if !oldOK {
			return SchemaMissingError{Schema: oldSchema}
		}
		destOK, err := introspect.SchemaExists(ctx, q, destSchema)
		if err != nil {
			return err
		}
		if destOK {
			return SchemaExistsError{Schema: destSchema}
		}
		if err := ddl.RenameSchema(ctx, q, LiveSchema, destSchema); err != nil {
			return err
		}
		return ddl.RenameSchema(ctx, q, oldSchema, LiveSchema)
	})
	if err != nil {
		return err
	}

	_ = ddl.RefreshAllMatviews(ctx, conn, LiveSchema)
	return nil
}
