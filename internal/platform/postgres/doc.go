// Package postgres provides PostgreSQL-backed implementations of the
// store interfaces and of the durable job queue.
package postgres
