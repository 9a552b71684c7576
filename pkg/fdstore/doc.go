// Package fdstore implements the file-descriptor ownership container that
// survives re-exec: sockets and other fds a unit has handed
// off for safekeeping, indexed by unit and name, serialized into the
// key=value record format the re-exec coordinator embeds in its snapshot.
//
// The record shape follows the same composite-key-with-fixed-separator
// convention used for bucket keys elsewhere in this codebase, adapted here
// to a flat text format instead of a database bucket since fdstore records
// must survive outside any database transaction, across the execve()
// boundary, via a plain environment-sized byte buffer.
package fdstore
