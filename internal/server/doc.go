// Package server exposes the action server over HTTP and MCP.
//
// One chi router carries every surface:
//
//   - /api/v1/* - the REST API: invoke actions, list packages, inspect and
//     cancel runs, download artifacts, set secret overrides, and stream
//     live events over SSE
//   - /mcp - streamable HTTP MCP transport
//   - /sse and /message - SSE MCP transport
//   - /health and /metrics - liveness and Prometheus metrics, always open
//
// # MCP mapping
//
// The bridge projects the served catalog onto one MCP server named
// action-server. Tool kinds action, query, predict, and tool register as
// MCP tools named `<package>__<action>` with the action's input schema
// passed through verbatim; the consequential flag drives the destructive
// hint annotation. The resource kind registers as an MCP resource under
// `action://<package>/<action>`, and the prompt kind as an MCP prompt whose
// arguments come from the schema's top-level properties. All handlers
// submit through the same lifecycle manager as HTTP invocations, so run
// records, artifacts, and metrics are identical whichever surface called.
//
// Catalog swaps re-register the capability lists and mcp-go notifies
// connected clients with list-changed. The server follows the catalog bus
// topic for the life of the process.
//
// # Authentication
//
// When an API key is configured, /api/v1/* and /mcp require
// `Authorization: Bearer <key>`. The SSE MCP transport, health, and
// metrics stay open: SSE clients cannot set headers from browsers, and
// probes should not need credentials.
package server
