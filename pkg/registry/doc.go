/*
Package registry tracks the handlers known to the coordinator and owns the
wire clients used to reach them.

The registry is a mutex-guarded map persisted to a YAML file on every
mutation (written to a temp file, then renamed, so a crash never leaves a
truncated registry behind). On startup the file is reloaded with every
handler reset to the registered status and no cached clients: liveness is
re-proven by the first call, never assumed from the file.

# Client caching

GetClient lazily dials a handler and caches the client for reuse. The dial
happens outside the registry lock; after reacquiring it the registry
prefers a client cached by a concurrent caller. Callers that see a call
fail on a cached client retry once through GetClient, which replaces the
dead client.

# Registration server

Server exposes the registry over the wire protocol for handler processes:

	register       {handler_id, address, methods[]}
	report_status  {handler_id, status}
	unregister     {handler_id}
	ping           {}

Malformed envelopes produce {"success":false} replies without mutating
registry state.
*/
package registry
