package gormstore

import "io/fs"

// Migrations exposes the embedded migration files to the external tests.
func Migrations() fs.FS { return migrations }
