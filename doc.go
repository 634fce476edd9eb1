/*

Package bpcpool is a read-only engine for BackupPC v4 backup pools.

BackupPC stores every backup as a directory tree whose file contents are
deduplicated into a content-addressed pool of compressed blobs; directory
listings and per-file metadata live in compact binary "attrib" files. This
package reconstructs, from those on-disk artifacts, a logical filesystem
view: hosts, their numbered backups, the shares within each backup, and
the file hierarchy beneath, including merging of incremental backups
against their reference chain.

Vocabulary:

  - topdir: the root of a BackupPC pool, e.g. /var/lib/backuppc
  - pool / cpool: the content-addressed blob store under topdir/pool or
    topdir/cpool (compressed, the only variant this package reads)
  - digest: the MD5 hash identifying a pool blob, plus an extension
    counter disambiguating hash collisions within the same bucket
  - chunk: the decompressed bytes of one pool blob; large logical files
    are a sequence of chunks
  - attrib: a binary file describing the metadata of every entry in one
    directory of one backup
  - host: a backed-up machine, a subdirectory of topdir/pc
  - backup: a numbered snapshot of a host, full or incremental
  - filled backup: a backup whose on-disk tree is self-contained
  - share: a top-level mounted tree within a backup (e.g. /home)
  - view: the composed read API over hosts, backups, shares, and paths

This package never writes to the pool. The command-line surface and the
FUSE adapter that expose this engine to users are separate, unremarkable
collaborators that consume View and Catalog through the narrow interface
described in their doc comments.

*/
package bpcpool
