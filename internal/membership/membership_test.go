package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveNextIDOnEmptyClusterSkipsSelf(t *testing.T) {
	r := New(1)
	id := r.ReserveNextID()
	assert.Equal(t, uint64(2), id)
}

func TestReserveNextIDIsMaxOfPeersAndSelfPlusOne(t *testing.T) {
	r := New(5)
	r.Put(1, "a:1")
	r.Put(2, "b:2")
	id := r.ReserveNextID()
	assert.Equal(t, uint64(6), id)
}

func TestReserveNextIDAdvancesPastExistingReservations(t *testing.T) {
	r := New(1)
	first := r.ReserveNextID()
	second := r.ReserveNextID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, first+1, second)
}

func TestPutThenAddrsIncludesOnlyPopulated(t *testing.T) {
	r := New(1)
	r.ReserveNextID()
	r.Put(3, "host:9090")
	addrs := r.Addrs()
	assert.Equal(t, map[uint64]string{3: "host:9090"}, addrs)
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := New(1)
	r.Put(2, "a:1")
	r.Remove(2)
	_, ok := r.Get(2)
	assert.False(t, ok)
}
