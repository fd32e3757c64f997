// Package store defines shared persistence primitives for the result store:
// the DBTX abstraction over database handles and transactions, and the error
// taxonomy store implementations report. The interfaces keep the engine's
// core logic independent of the specific database technology.
package store
