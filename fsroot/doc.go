// Package fsroot anchors all file access under a single served directory.
//
// The Root type maps client-supplied TFTP filenames to real filesystem paths,
// rejecting every form of escape: absolute paths, dot-dot segments, control
// bytes, and symlinks that lead outside the root. It also provides the small
// filesystem surface the transfer sessions need (open for read, temp-file
// creation, mkdir-p, atomic rename) behind an interface so tests can
// substitute implementations.
//
// Resolution failures carry TFTP error codes: a missing file maps to
// wire.ErrFileNotFound, a rule violation or permission failure to
// wire.ErrAccessViolation, and anything else to wire.ErrNotDefined.
package fsroot
