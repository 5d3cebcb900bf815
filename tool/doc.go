// Package tool defines the tool dispatch layer: an ordered registry of named
// tools with declared parameters, argument binding, failure classification and
// the uniform result envelope every invocation returns.
//
// Dispatch never returns an error and never panics past its boundary. Failures
// from argument binding, handlers and the document store are classified once
// and reported as {"success": false, "error": "..."}.
package tool
