package supervisor

// SetSpawnHook runs fn after a runtime process is started and before the
// supervisor publishes it. Set it before the first Start.
func (s *Supervisor) SetSpawnHook(fn func(pid int)) {
	s.spawned = fn
}
