// Package core contains the immutable data model of AgentForum: frozen,
// hash-addressed value objects (Immutable, Freeform) and the message tree
// node types (Message, ForwardedMessage, AgentCallMsg) that assemble into a
// persistent, branching conversation tree.
//
// The canonical store contract (TreeStore) and the shared error types also
// live here so implementation packages (storage, forum) can depend on a
// single central package without cycles.
package core
