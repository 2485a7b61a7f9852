package repos

import (
	"context"
	_ "embed"
)

//go:embed sql/schema.sql
var schemaSQL string

// ApplySchema creates missing tables and indexes. Every statement is
// idempotent.
func ApplySchema(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}
