// Package storage persists the plugin lifecycle audit trail.
//
// Every load, unload, reload, and failure is appended as a compact audit
// entry so operators can reconstruct what a long-running host process did to
// its plugins and when. Two drivers are provided: a dependency-free jsonl
// file backend and a SQLite database.
package storage
