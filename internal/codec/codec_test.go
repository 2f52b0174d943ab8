package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencerIncreasesMonotonically(t *testing.T) {
	seq := NewSequencer(7)
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		next := seq.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestSequencerNeverReturnsZero(t *testing.T) {
	seq := NewSequencer(0)
	for i := 0; i < 100; i++ {
		assert.NotZero(t, seq.Next())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 255, 256, 1 << 40, ^uint64(0)}
	for _, v := range values {
		got := DecodeUint64(EncodeUint64(v))
		assert.Equal(t, v, got)
	}
}

func TestDecodeUint64RejectsWrongLength(t *testing.T) {
	assert.Equal(t, uint64(0), DecodeUint64(nil))
	assert.Equal(t, uint64(0), DecodeUint64([]byte{1, 2, 3}))
}
