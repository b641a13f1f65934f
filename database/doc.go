// Package database provides connection management, pooling, health
// checks, query logging hooks, configuration types, and error
// classification built on top of Bun.
package database
