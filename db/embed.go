// Package db provides the embedded database schema and seed data.
package db

import _ "embed"

// Schema contains the DDL statements for all application tables. Every
// statement is idempotent so the schema can be applied on each start.
//
//go:embed migrations/001_schema.sql
var Schema string

// Products is the sample catalog loaded by seed-db.
//
//go:embed seed/products.json
var Products []byte
