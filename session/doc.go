// Package session implements the per-transfer TFTP state machines.
//
// A session owns one ephemeral UDP socket and one file handle for the life
// of a transfer. Read sessions stream a file to the peer block by block;
// write sessions receive one into a temp file that is renamed over the
// destination on completion. Both run strict stop-and-wait: at any moment a
// session has at most one unacknowledged datagram outstanding.
//
// Sessions are mutated only by their own Run loop. Datagrams arriving from
// any source other than the session's peer are answered with TFTP error 5
// (unknown transfer ID) and do not touch session state.
//
// Example:
//
//	s := session.NewReadSession(cfg, file, size)
//	if err := s.Run(ctx); err != nil {
//	    // the peer has already been told; err carries the reason
//	}
package session
