// Package postgres provides the PostgreSQL-backed implementation of the
// result store interface defined in the internal/task package. It handles
// query execution, error mapping, and the write-if-absent semantics that
// keep task finalization idempotent under broker redelivery.
package postgres
