// Package api provides the HTTP operational surface of the worker service:
// a health endpoint reporting pool liveness and broker backlog. It carries
// no task-submission routes; producers talk to the broker, not to workers.
package api
