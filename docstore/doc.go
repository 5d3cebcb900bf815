// Package docstore is the document store behind the frappemcp tools.
//
// A store holds Documents grouped by DocType. Each DocType carries field
// metadata, role permissions and a naming rule; the store validates inserts
// against that metadata and enforces permissions for the user found in the
// request context (see package session).
//
// Three backends are provided:
//   - MemoryStore: process-local, used by tests and throwaway servers.
//   - SQLiteStore: documents persisted as JSON rows in SQLite.
//   - FrappeStore: forwards every call to a Frappe site over its REST API.
package docstore
