package fragment

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMessage(t *testing.T, n int) []byte {
	t.Helper()
	msg := make([]byte, n)
	_, err := rand.Read(msg)
	require.NoError(t, err)
	return msg
}

func TestSplit_RoundTrip(t *testing.T) {
	sizes := []int{2, 3, 20, 23, 244, 512}
	lengths := []int{0, 1, 2, 19, 22, 100, 243, 1000, 2048}

	for _, max := range sizes {
		for _, n := range lengths {
			msg := randomMessage(t, n)
			frags, err := Split(msg, max)
			require.NoError(t, err)
			require.Len(t, frags, Count(n, max))

			r := NewReassembler(2048)
			var out []byte
			for i, frag := range frags {
				assert.LessOrEqual(t, len(frag), max)
				last := i == len(frags)-1
				if last {
					assert.Equal(t, FlagLast, frag[0])
				} else {
					assert.Equal(t, FlagMore, frag[0])
				}
				out, err = r.Push(frag)
				require.NoError(t, err)
				if !last {
					assert.Nil(t, out)
				}
			}
			assert.True(t, bytes.Equal(msg, out), "max=%d len=%d", max, n)
			assert.False(t, r.InProgress())
			assert.Zero(t, r.Len())
		}
	}
}

func TestSplit_EmptyMessage(t *testing.T) {
	frags, err := Split(nil, 20)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{FlagLast}}, frags)

	out, err := NewReassembler(0).Push(frags[0])
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestSplit_SizeTooSmall(t *testing.T) {
	for _, max := range []int{-1, 0, 1} {
		_, err := Split([]byte{1, 2, 3}, max)
		assert.ErrorIs(t, err, ErrFragmentSizeTooSmall)
		_, err = NewFragmenter(nil, max)
		assert.ErrorIs(t, err, ErrFragmentSizeTooSmall)
	}
}

func TestFragmenter_Iterates(t *testing.T) {
	msg := []byte("abcdefgh")
	f, err := NewFragmenter(msg, 4)
	require.NoError(t, err)

	var got [][]byte
	for {
		frag, ok := f.Next()
		if !ok {
			break
		}
		got = append(got, frag)
	}
	assert.Equal(t, [][]byte{
		{FlagMore, 'a', 'b', 'c'},
		{FlagMore, 'd', 'e', 'f'},
		{FlagLast, 'g', 'h'},
	}, got)
	assert.True(t, f.Done())
	assert.Zero(t, f.Remaining())

	// Exact multiple of the chunk size ends on a full last fragment.
	frags, err := Split([]byte("abcdef"), 4)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		{FlagMore, 'a', 'b', 'c'},
		{FlagLast, 'd', 'e', 'f'},
	}, frags)
}

func TestReassembler_Overflow(t *testing.T) {
	r := NewReassembler(10)

	_, err := r.Push(append([]byte{FlagMore}, make([]byte, 8)...))
	require.NoError(t, err)
	assert.Equal(t, 8, r.Len())

	out, err := r.Push(append([]byte{FlagLast}, make([]byte, 3)...))
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Nil(t, out)
	assert.False(t, r.InProgress())
	assert.Zero(t, r.Len())

	// A message of exactly the limit fits.
	frags, err := Split(make([]byte, 10), 4)
	require.NoError(t, err)
	for _, frag := range frags {
		out, err = r.Push(frag)
		require.NoError(t, err)
	}
	assert.Len(t, out, 10)
}

func TestReassembler_UnexpectedFragment(t *testing.T) {
	r := NewReassembler(0)
	_, err := r.Push([]byte{2, 0xAA})
	assert.ErrorIs(t, err, ErrUnexpectedFragment)

	_, err = r.Push([]byte{FlagMore, 0xAA})
	require.NoError(t, err)
	_, err = r.Push([]byte{0x80, 0xBB})
	assert.ErrorIs(t, err, ErrUnexpectedFragment)
	assert.False(t, r.InProgress())
}

func TestReassembler_EmptyFragment(t *testing.T) {
	_, err := NewReassembler(0).Push(nil)
	assert.ErrorIs(t, err, ErrEmptyFragment)
}

func TestReassembler_BeginConflict(t *testing.T) {
	r := NewReassembler(0)
	require.NoError(t, r.Begin())
	assert.True(t, r.InProgress())

	// An opened but empty message is still incomplete.
	assert.ErrorIs(t, r.Begin(), ErrReassemblyConflict)

	_, err := r.Push([]byte{FlagMore, 1})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Begin(), ErrReassemblyConflict)

	out, err := r.Push([]byte{FlagLast, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out)
	assert.NoError(t, r.Begin())
}

// Interleaved messages are indistinguishable on the wire: the second
// message's fragments extend the first instead of raising a conflict.
func TestReassembler_InterleavedMessagesMerge(t *testing.T) {
	first, err := Split([]byte{1, 2, 3, 4}, 3)
	require.NoError(t, err)
	second, err := Split([]byte{9, 8}, 3)
	require.NoError(t, err)

	r := NewReassembler(0)
	out, err := r.Push(first[0])
	require.NoError(t, err)
	require.Nil(t, out)
	for _, frag := range second {
		out, err = r.Push(frag)
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2, 9, 8}, out)
	assert.False(t, r.InProgress())
}

func TestReassembler_ResetDiscardsPartial(t *testing.T) {
	r := NewReassembler(0)
	_, err := r.Push([]byte{FlagMore, 1, 2, 3})
	require.NoError(t, err)

	r.Reset()
	assert.False(t, r.InProgress())

	out, err := r.Push([]byte{FlagLast, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, out)
}

func TestReassembler_ResultNotAliased(t *testing.T) {
	r := NewReassembler(0)
	first, err := r.Push([]byte{FlagLast, 1, 2})
	require.NoError(t, err)
	_, err = r.Push([]byte{FlagLast, 7, 7})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, first)
}
