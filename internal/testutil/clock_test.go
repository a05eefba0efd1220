package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	c := NewFakeClock()
	assert.Equal(t, Epoch, c.Now())
	assert.Empty(t, c.Sleeps())
}

func TestFakeClock_AfterAdvancesAndFires(t *testing.T) {
	c := NewFakeClock()

	select {
	case fired := <-c.After(2 * time.Second):
		assert.Equal(t, Epoch.Add(2*time.Second), fired)
	default:
		t.Fatal("After channel did not fire")
	}

	<-c.After(time.Second)
	assert.Equal(t, Epoch.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, c.Sleeps())
}

func TestFakeClock_AdvanceDoesNotRecord(t *testing.T) {
	c := NewFakeClock()
	c.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), c.Now())
	assert.Empty(t, c.Sleeps())
}

func TestFakeClock_Reset(t *testing.T) {
	c := NewFakeClock()
	<-c.After(time.Hour)
	c.Reset()
	assert.Equal(t, Epoch, c.Now())
	assert.Empty(t, c.Sleeps())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	c := NewFakeClock()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-c.After(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(50*time.Millisecond), c.Now())
	assert.Len(t, c.Sleeps(), 50)
}
