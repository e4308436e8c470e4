// Package storage is the durable store for accounts, subscribers, folders,
// target groups, tasks and the audit trail.
//
// The only engine is SQLite (modernc.org/sqlite, no cgo). SQLite has a single
// writer, so the store takes one mutex around every mutation and keeps the
// connection pool at one connection.
package storage
