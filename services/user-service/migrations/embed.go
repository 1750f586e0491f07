package migrations

import "embed"

// FS holds the service's SQL migrations; apply with db.Pool.Migrate(ctx, migrations.FS, ".").
//
//go:embed *.sql
var FS embed.FS
