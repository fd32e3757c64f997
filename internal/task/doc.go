// Package task defines the core domain of the engine: the Task unit of
// deferred work, its lifecycle state machine, the handler registry that maps
// handler names to typed functions, and the ResultRecord/ResultStore
// contract for durable terminal outcomes.
package task
