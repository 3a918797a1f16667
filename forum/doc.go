// Package forum contains the concurrency and data-flow engine of AgentForum:
// message promises, ordered multi-consumer broadcast sequences, conversation
// branch tracking and the agent call machinery that schedules nested agent
// invocations with inherited conversational context.
//
// Agents are plain functions registered on a Forum. Calling an agent eagerly
// schedules its body as an independent goroutine inside a fresh
// InteractionContext; requests and responses travel through broadcast
// sequences whose items assemble into the immutable message tree defined in
// the core package.
package forum
