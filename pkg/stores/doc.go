// Package stores persists build history in SQLite. Builds, their flattened
// failures, lifecycle phase timings and task executions are kept in tables
// created by embedded golang-migrate migrations. HistoryRecorder feeds the
// store from a running build tree.
package stores
