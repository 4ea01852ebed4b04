package fragment

// Continuation flag values.
const (
	FlagLast byte = 0
	FlagMore byte = 1
)

// HeaderSize is the per-fragment overhead.
const HeaderSize = 1

// MinFragmentSize is the smallest usable fragment size.
const MinFragmentSize = HeaderSize + 1

// Fragmenter produces the fragments of one message in order.
type Fragmenter struct {
	msg    []byte
	chunk  int
	offset int
	done   bool
}

// NewFragmenter returns a Fragmenter over msg for a link that carries at most
// maxFragmentSize bytes per fragment. msg is not copied.
func NewFragmenter(msg []byte, maxFragmentSize int) (*Fragmenter, error) {
	if maxFragmentSize < MinFragmentSize {
		return nil, ErrFragmentSizeTooSmall
	}
	return &Fragmenter{msg: msg, chunk: maxFragmentSize - HeaderSize}, nil
}

// Next returns the next fragment and whether one was produced.
func (f *Fragmenter) Next() ([]byte, bool) {
	if f.done {
		return nil, false
	}
	end := f.offset + f.chunk
	flag := FlagMore
	if end >= len(f.msg) {
		end = len(f.msg)
		flag = FlagLast
		f.done = true
	}
	frag := make([]byte, HeaderSize+end-f.offset)
	frag[0] = flag
	copy(frag[HeaderSize:], f.msg[f.offset:end])
	f.offset = end
	return frag, true
}

// Remaining returns the number of payload bytes not yet emitted.
func (f *Fragmenter) Remaining() int {
	return len(f.msg) - f.offset
}

// Done reports whether the last fragment has been produced.
func (f *Fragmenter) Done() bool {
	return f.done
}

// Count returns the number of fragments msg splits into.
func Count(msgLen, maxFragmentSize int) int {
	if maxFragmentSize < MinFragmentSize {
		return 0
	}
	chunk := maxFragmentSize - HeaderSize
	if msgLen == 0 {
		return 1
	}
	return (msgLen + chunk - 1) / chunk
}

// Split returns all fragments of msg.
func Split(msg []byte, maxFragmentSize int) ([][]byte, error) {
	f, err := NewFragmenter(msg, maxFragmentSize)
	if err != nil {
		return nil, err
	}
	frags := make([][]byte, 0, Count(len(msg), maxFragmentSize))
	for {
		frag, ok := f.Next()
		if !ok {
			return frags, nil
		}
		frags = append(frags, frag)
	}
}
