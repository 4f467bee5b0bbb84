// Package db provides embedded database migrations.
package db

import "embed"

// Migrations holds the versioned golang-migrate files for all application tables.
//
//go:embed migrations/*.sql
var Migrations embed.FS
