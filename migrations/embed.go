// Package migrations embeds the directory schema migrations applied to every
// tenant database.
package migrations

import "embed"

// Schema is the schema the migrations create their tables in.
const Schema = "doctors"

//go:embed *.sql
var FS embed.FS
