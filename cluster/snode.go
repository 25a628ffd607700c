package cluster

// Snode identifies one cluster node as seen by this subsystem: its id and
// whether it carries the "can run benchmarks" capability flag. The full
// cluster membership map (aistore's cluster.Smap) is Transport's concern;
// this subsystem only ever needs the capability-filtered, alive subset
// Transport hands it.
type Snode struct {
	ID               string
	CanRunBenchmarks bool
}
