// Package shmem implements the sealed, mmap-backed typed cell used to
// publish single-writer state between the hypervisor and its partitions:
// the system start time and the per-partition operating mode. Port
// descriptors are not cells: they travel in the sealed constants record.
//
// A Cell is backed by an anonymous memfd grown to exactly the encoded size
// of its contents, then sealed (F_SEAL_GROW|F_SEAL_SHRINK) so a child that
// receives only the file descriptor sees a byte-identical region without
// parsing any wire format beyond the cell's own fixed-size encoding. Cells
// that are published once and never rewritten (the start time)
// are additionally write-sealed via SealReadOnly, sealing them against
// further resize or write once published.
package shmem
