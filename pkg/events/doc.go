/*
Package events provides an in-memory event broker for engine lifecycle
notifications: transaction outcomes, snapshot entry/exit, pack runs, and a
broken flusher. It is the non-polling alternative to watching
SnapshotCode() or the store's stats interface directly.

Broker broadcasts every published Event to all current Subscribers over
buffered channels; a slow subscriber drops events rather than blocking the
publisher.
*/
package events
