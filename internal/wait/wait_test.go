package wait

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterThenTriggerDeliversValue(t *testing.T) {
	w := New()
	ch := w.Register(1)
	w.Trigger(1, "hello")
	v, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestTriggerWithoutRegisterIsNoop(t *testing.T) {
	w := New()
	assert.NotPanics(t, func() { w.Trigger(42, "nobody home") })
}

func TestRegisterTwiceReturnsSameChannel(t *testing.T) {
	w := New()
	ch1 := w.Register(7)
	ch2 := w.Register(7)
	w.Trigger(7, "x")
	v, ok := <-ch1
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	select {
	case v2, ok2 := <-ch2:
		assert.False(t, ok2)
		assert.Nil(t, v2)
	default:
		t.Fatal("expected ch2 to be closed since it is the same channel as ch1")
	}
}

func TestCancelClosesWithoutValue(t *testing.T) {
	w := New()
	ch := w.Register(3)
	w.Cancel(3)
	v, ok := <-ch
	assert.False(t, ok)
	assert.Nil(t, v)
}
