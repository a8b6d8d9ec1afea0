// Package chat holds the relay's domain types: the normalized inbound message
// produced by every source adapter, the outbound job handed to the destination,
// and the error taxonomy shared by adapters, the dispatcher and the credential
// manager.
//
// Display formatting lives here too so that every transport renders a message
// the same way:
//
//	<source prefix><author>: <text>
//
// capped at MaxMessageRunes characters after prefixing.
package chat
