// Package fragment splits logical messages into fragments that fit a
// size-limited link and reassembles them on the receiving side.
//
// Every fragment starts with a one-byte continuation flag: 1 means more
// fragments of the same message follow, 0 marks the last fragment. The
// remaining bytes carry the payload.
//
//	+------+--------------------+
//	| flag | payload (max-1)    |
//	+------+--------------------+
//
// A zero-length message is sent as the single fragment {0}.
//
// The flag only marks where a message ends, so the receiver cannot tell
// from the wire that a new message started before the previous one was
// finished: such fragments are appended to the open message. Push opens a
// message implicitly. Callers with their own notion of message boundaries
// can call Reassembler.Begin to get ErrReassemblyConflict for that case.
package fragment
