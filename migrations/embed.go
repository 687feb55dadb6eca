// Package migrations ships the registration schema inside the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
