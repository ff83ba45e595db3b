/*
Package metrics defines and registers the Prometheus metrics exposed by a
running store.

Metrics fall into four groups: commit (CommitsTotal, CommitDuration,
ObjectsStoredTotal), journal/flush (FlushDuration, FlushBatchFiles,
RelocationsSize, BacklogTokensAvailable, FlusherBroken), pack (PackDuration,
PackSweptTotal, PackMarkedTotal), and snapshot (SnapshotActive). All are
registered against the default Prometheus registry at package init and
exposed via Handler() for a caller to mount on an HTTP mux.

Collector samples the gauges (relocations size, backlog tokens, flusher
and snapshot state) off a running engine on a ticker; it depends only on
the small StatsProvider interface so this package never imports the store
or journal packages directly.

health.go additionally provides a liveness/readiness HTTP surface,
independent of Prometheus, for orchestrators that poll plain JSON.
*/
package metrics
