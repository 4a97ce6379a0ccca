/*
Package storage is the Redis persistence layer.

Everything durable lives in one logical database under two key families,
one per consumer:

	<prefix>:token:<id>          capability token record (JSON, TTL)
	<prefix>:token:stats:<id>    per-token usage hash (TTL)
	<prefix>:owner:<owner>       token ids per owner (set, TTL)
	<prefix>:stats:*             aggregate counter hashes

	job:<id>                     job record hash (7 day TTL)
	jobs:queue                   pending job ids (list)

The Store wraps the driver with typed helpers and a single error policy:
missing keys surface as ErrNotFound, any other failure that survives the
driver's backoff (one second floor, ten second ceiling) surfaces as
ErrStoreUnavailable. Consumers treat that as fail-closed; a token that
cannot be checked is a token that does not validate.
*/
package storage
