// Package agent defines the Collaborator boundary the gateway forwards chat
// turns to, plus the scripted in-process implementation used for development
// and tests. Conversation state lives behind this boundary, keyed by session
// id; the messaging layer never inspects it.
package agent
