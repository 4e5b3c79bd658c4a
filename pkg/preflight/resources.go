package preflight

// Resources is a snapshot of host capacity
type Resources struct {
	FreeDiskMB        uint64
	AvailableMemoryMB uint64
}
