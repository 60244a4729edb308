/*
Package partition implements C2, the day-partition lifecycle manager
for heartbeat history.

RunOnce acquires L_nightly (skip-not-block, like C8's L_reconcile) and
runs three passes: createAhead ensures today through CreateAheadDays
ahead all have an active HeartbeatPartition row (and, by inserting a
heartbeat into that day later, a bbolt sub-bucket); archiveAndDrop
walks every partition, archiving active ones whose range has fully
passed the retention cutoff and dropping archived ones that already
carry both an ArchiveURL and checksum.

Archiving streams every row in the partition's bucket through a fixed
CSV column order, hashes the exact output bytes with SHA-256, and
uploads through a BlobStore — the only step wrapped in
github.com/cenkalti/backoff/v4, since it's the only step that talks to
something outside the local process. Drop is a single
DropPartitionBucket call and is not retried: a failed drop just leaves
an archived partition to retry next run.
*/
package partition
