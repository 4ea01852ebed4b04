package fragment

// DefaultMaxMessageSize bounds a reassembled message when no limit is given.
// It fits a maximum-depth certificate chain with headroom.
const DefaultMaxMessageSize = 2048

// Reassembler collects fragments into a message. Its buffer never grows
// beyond the configured maximum. Not safe for concurrent use.
type Reassembler struct {
	max        int
	buf        []byte
	inProgress bool
}

// NewReassembler returns a Reassembler accepting messages up to
// maxMessageSize bytes. A non-positive size selects DefaultMaxMessageSize.
func NewReassembler(maxMessageSize int) *Reassembler {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Reassembler{max: maxMessageSize}
}

// MaxMessageSize returns the configured limit.
func (r *Reassembler) MaxMessageSize() int {
	return r.max
}

// Begin opens a new logical message and fails with ErrReassemblyConflict
// while another is still incomplete. Only an out-of-band message start can
// trigger this; the fragment flag carries no such signal.
func (r *Reassembler) Begin() error {
	if r.inProgress {
		return ErrReassemblyConflict
	}
	r.buf = r.buf[:0]
	r.inProgress = true
	return nil
}

// Push appends one fragment. It returns the completed message when the
// fragment carries the last flag, and nil while more fragments are expected.
// The returned slice is owned by the caller.
func (r *Reassembler) Push(frag []byte) ([]byte, error) {
	if len(frag) == 0 {
		return nil, ErrEmptyFragment
	}
	flag := frag[0]
	if flag != FlagLast && flag != FlagMore {
		r.Reset()
		return nil, ErrUnexpectedFragment
	}
	if !r.inProgress {
		r.buf = r.buf[:0]
		r.inProgress = true
	}

	payload := frag[HeaderSize:]
	if len(r.buf)+len(payload) > r.max {
		r.Reset()
		return nil, ErrOverflow
	}
	r.buf = append(r.buf, payload...)

	if flag == FlagMore {
		return nil, nil
	}
	msg := make([]byte, len(r.buf))
	copy(msg, r.buf)
	r.Reset()
	return msg, nil
}

// Reset discards any partial message and wipes the buffer.
func (r *Reassembler) Reset() {
	clear(r.buf)
	r.buf = r.buf[:0]
	r.inProgress = false
}

// InProgress reports whether a message is partially received.
func (r *Reassembler) InProgress() bool {
	return r.inProgress
}

// Len returns the number of payload bytes buffered so far.
func (r *Reassembler) Len() int {
	return len(r.buf)
}
