/*
Package stream serves token-gated snapshot streams over TCP and unix
sockets.

The listeners carry raw zfs send/receive bytes between a remote peer
and the local tools. Authorization is a capability token issued by the
control API and redeemed exactly once per connection; the socket never
sees credentials, only the token id.

# Wire Protocol

Every connection opens the same way:

	client ──▶ uint32 length, token id bytes (length 1..128)
	server ──▶ uint32 length, JSON reply

The reply is {"status":"started",...} describing the operation about
to run, or {"status":"failed","error":...} after which the server
closes. A violated opening (zero or oversized length, truncated id)
closes the connection without a reply.

What follows depends on the token's operation:

	send     server ──▶ repeated (uint64 length, bytes) chunks; a zero
	         length terminates the stream, and one optional trailing
	         (uint64 length, bytes) frame after the zero carries the
	         pipeline error when the tool exited non-zero

	receive  client ──▶ raw stream bytes; a write half-close marks the
	         end, the server closes the tool's stdin and waits for it
	         to finalise

Receive-side failures surface out of band (job state, logs); the
client observes only the reset.

# Lifecycle

Serve handles each accepted connection on its own goroutine and
returns once every listener is closed and in-flight streams have
drained. Cancelling the context tears down running pipelines; Close
alone stops accepting and lets active transfers finish.
*/
package stream
