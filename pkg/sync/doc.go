/*
The sync package implements mirror's sync algorithm. It keeps a directory tree
identical between a server and a client that are connected by a
bidirectional stream.

Each side tracks two PathStates:
1) local -- What it believes is on its own disk.
2) remote -- What it believes is on the peer's disk.

When a client connects, both sides exchange their local state. Each side then
diffs its local state against the peer's, and sends the updates the peer is
missing. Afterwards, changes observed on disk are diffed against the local
state and streamed as they happen.

Deletions are recorded as tombstones rather than by removing the path from the
state. Otherwise, a removed file would look like a file the peer hasn't seen
yet, and the peer would send it back.

There's no merging of concurrent edits. Updates are applied in the order they
arrive, so the last writer wins.
*/
package sync
