// Package mysql stores the agent run ledger: one record per process run and
// one record per attempted self-upgrade. A JSON lines file in the data
// directory backs the memory driver; the mysql driver uses a pooled
// database/sql connection with embedded schema migrations.
package mysql
