// Package storage provides TreeStore implementations for the immutable
// message trees of AgentForum.
//
// The in-memory store is the default: objects are immutable, so it can hand
// them out by reference without cloning. The sqlite subpackage adds a
// persistent store backed by an embedded SQLite database.
package storage
