// Package actions defines the domain model of the action server: packages,
// actions, managed parameter kinds, and the in-memory catalog.
//
// The catalog is an immutable snapshot swapped by pointer. Request paths
// read the current snapshot without locking; the import subsystem builds a
// fresh snapshot after every (re)import and publishes it atomically.
// Whitelist filtering happens at snapshot construction, so filtered entries
// remain in the database but are never served.
package actions
