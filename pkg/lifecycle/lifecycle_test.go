package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartOnlySucceedsFromNew(t *testing.T) {
	l := New()
	assert.True(t, l.Start())
	assert.False(t, l.Start())
	assert.Equal(t, StateRunning, l.State())
}

func TestStopIsIdempotentAndOwnerExclusive(t *testing.T) {
	l := New()
	l.Start()

	done1, owner1 := l.Stop()
	done2, owner2 := l.Stop()

	assert.True(t, owner1)
	assert.False(t, owner2)
	assert.Equal(t, done1, done2)

	select {
	case <-done1:
		t.Fatal("done must not close before Finish")
	case <-time.After(10 * time.Millisecond):
	}

	l.Finish()
	select {
	case <-done1:
	case <-time.After(10 * time.Millisecond):
		t.Fatal("done must close after Finish")
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestFinishIsIdempotent(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()
	l.Finish()
	assert.NotPanics(t, func() { l.Finish() })
}
