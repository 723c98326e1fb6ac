// Package supervisor owns the lifecycle of a single runtime child process.
//
// A Supervisor spawns the configured command on an ephemeral local port,
// passes that port through an environment variable, polls a health path until
// the runtime answers and tracks the result as a Phase:
//
//	stopped --Start--> starting --healthy--> running --Stop--> stopping --exit--> stopped
//
// Spawn failures, health timeouts and unexpected exits land in the error
// phase with Status.LastError set. From error, Start is allowed again.
//
// Concurrent Start calls share one in-flight start and concurrent Stop calls
// share one in-flight stop, so a runtime is never spawned twice. Status
// changes are delivered to OnStatusChange listeners in transition order.
//
// Watch adds an fsnotify based restart-on-change loop on top of a running
// Supervisor.
package supervisor
