// Package bridge exposes a supervised runtime through one stable local
// endpoint.
//
// A Bridge owns a supervisor.Supervisor and an events.Bus. It answers
// requests under a private prefix (default /__bridge):
//
//	GET  /health           {ok, bridge, ...State}
//	GET  /state            State, starting a stopped runtime when auto-start allows
//	GET  /runtime/status   supervisor.Status
//	POST /runtime/start    ControlResponse
//	POST /runtime/restart  ControlResponse
//	POST /runtime/stop     ControlResponse, disables auto-start
//	GET  /schema           JSON Schemas of the wire types
//	GET  /metrics          Prometheus exposition
//	*    /api/...          proxied to {runtime}/api/...
//	WS   /events           event channel, subprotocol <brand>.v1+json
//
// Every non-2xx answer is an ErrorResponse. Requests outside the prefix go
// to the host's handler untouched.
//
// Hosts embed a bridge with Middleware, or through the Host interface with
// Attach; Lifecycle keeps repeated setups down to one bridge. Programs that
// cannot splice into a host server use the standalone package instead.
package bridge
