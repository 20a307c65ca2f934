package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())

	got := c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())

	c.Set(Epoch.Add(time.Nanosecond * 1500))
	assert.Equal(t, Epoch, c.Now(), "sub-millisecond precision is dropped")
}

func TestSequenceIDGenerator(t *testing.T) {
	g := NewSequenceIDGenerator("issue")
	assert.Equal(t, "issue-0001", g.Generate())
	assert.Equal(t, "issue-0002", g.Generate())

	g.Reset()
	assert.Equal(t, "issue-0001", g.Generate())

	assert.Equal(t, "id-0001", NewSequenceIDGenerator("").Generate())
}

func TestSequenceIDGeneratorConcurrent(t *testing.T) {
	g := NewSequenceIDGenerator("x")

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestOpenStore(t *testing.T) {
	s := OpenStore(t)
	assert.NotNil(t, s.DB())
}
