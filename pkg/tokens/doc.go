/*
Package tokens implements single-use capability tokens for stream
authorization.

A token is a narrow grant: one operation (send or receive), one dataset,
optionally one peer, for a bounded time. The issuing side hands the id
to the remote party out of band; the stream listener redeems it exactly
once. Tokens are never sessions and never imply further rights.

# Record Layout

	<prefix>:token:<id>             the token record (JSON, TTL = lifetime)
	<prefix>:token:stats:<id>       per-token usage hash
	<prefix>:owner:<owner>          owner's token ids (set)
	<prefix>:stats:tokens_created   issue counters by operation (hash)
	<prefix>:stats:tokens_revoked   revoke counters by operation (hash)
	<prefix>:stats:validation       validation outcomes by kind (hash)

# Integrity

Every record carries an HMAC-SHA256 tag over id|operation|dataset|owner
keyed with the configured secret. A record altered in the store fails
validation with a checksum_fail outcome rather than granting a
different capability than the one issued.

# Single Use

Validate is read-only and repeatable; MarkUsed consumes. The flip runs
under WATCH so two peers racing the same token resolve to exactly one
winner. The used record keeps its remaining TTL so the late loser is
told "already used" rather than "not found" until natural expiry.
*/
package tokens
