// Package service contains the transactional orchestration layer: task
// mutations run inside units of work and status changes fan out into the
// job queue best-effort.
package service
