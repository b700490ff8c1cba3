// Package store defines the persistence interfaces consumed by the service
// and pipeline layers, together with the transactional unit-of-work helper.
// Concrete implementations live in internal/platform/postgres.
package store
