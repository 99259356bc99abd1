package results

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(retention time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(retention, WithClock(clock.Now)), clock
}

func result(id string) *model.Result {
	return &model.Result{JobID: id, Kind: model.KindResultMetadata, Metadata: model.ResultMetadata{PointCount: 100}}
}

func TestPutGet(t *testing.T) {
	s, _ := newStore(time.Hour)
	require.NoError(t, s.Put("a", result("a")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Metadata.PointCount)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPutTwiceFails(t *testing.T) {
	s, _ := newStore(time.Hour)
	require.NoError(t, s.Put("a", result("a")))
	assert.Error(t, s.Put("a", result("a")))
	assert.Error(t, s.Put("b", nil))
}

func TestExpiryCheckedOnRead(t *testing.T) {
	s, clock := newStore(time.Minute)
	require.NoError(t, s.Put("a", result("a")))

	clock.Advance(59 * time.Second)
	_, err := s.Get("a")
	require.NoError(t, err)

	// no sweep has run, the read alone must refuse stale data
	clock.Advance(time.Second)
	_, err = s.Get("a")
	assert.True(t, errors.Is(err, errors.ErrExpired))
	assert.Equal(t, errors.CodeExpired, errors.Code(err))
	assert.Zero(t, s.Len())
}

func TestEvictExpiredLeavesTombstone(t *testing.T) {
	s, clock := newStore(time.Minute)
	require.NoError(t, s.Put("old", result("old")))
	clock.Advance(30 * time.Second)
	require.NoError(t, s.Put("new", result("new")))

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, s.EvictExpired())

	_, err := s.Get("old")
	assert.True(t, errors.Is(err, errors.ErrExpired), "tombstone still reports expiry")
	_, err = s.Get("new")
	assert.NoError(t, err)

	// tombstone lives for one more retention window
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.EvictExpired(), "only new is evicted, old's tombstone is dropped")
	_, err = s.Get("old")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = s.Get("new")
	assert.True(t, errors.Is(err, errors.ErrExpired))

	assert.Error(t, s.Put("new", result("new")), "a tombstone still blocks a second put")
}

func TestDelete(t *testing.T) {
	s, _ := newStore(time.Hour)
	require.NoError(t, s.Put("a", result("a")))

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	_, err := s.Get("a")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := newStore(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			assert.NoError(t, s.Put(id, result(id)))
			_, err := s.Get(id)
			assert.NoError(t, err)
			s.EvictExpired()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}
