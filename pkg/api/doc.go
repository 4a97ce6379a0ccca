/*
Package api serves the HTTP control surface.

The control plane runs over plain JSON: migrations are background jobs
created, listed, and cancelled here; tokens are minted here and spent
on the stream listeners; dataset administration passes through to the
local tools. Every response is either the domain object or a flat
{"error": "..."} body, with the status code carrying the taxonomy:

	400  malformed request, impossible flags, cancel of a non-running job
	401  unknown caller or rejected token
	404  no such job, token, dataset, or snapshot
	429  owner exceeded the live-token quota
	503  persistence unreachable (operations fail closed)
	500  everything else

Identity is a bearer token resolved to an owner through the configured
static map; the owner scopes token issuance and listing. With no map
configured the API is open and every caller is the owner "local",
which fits a loopback-only daemon.

Routes live under /api/v1; /healthz, /readyz, and /metrics sit at the
root for probes and scrapes.
*/
package api
