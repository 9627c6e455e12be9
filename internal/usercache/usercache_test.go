package usercache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

type countingClient struct {
	calls int32
	delay time.Duration
}

func (c *countingClient) GetPage(context.Context, string) (wikiclient.Page, error) {
	return wikiclient.Page{}, nil
}
func (c *countingClient) GetChildren(context.Context, string) ([]wikiclient.ChildRef, error) {
	return nil, nil
}
func (c *countingClient) GetPageByTitle(context.Context, string, string) (*wikiclient.Page, error) {
	return nil, nil
}
func (c *countingClient) ListAttachments(context.Context, string) ([]wikiclient.Attachment, error) {
	return nil, nil
}
func (c *countingClient) DownloadAttachment(context.Context, wikiclient.Attachment) ([]byte, error) {
	return nil, nil
}
func (c *countingClient) GetUser(_ context.Context, username string) (*wikiclient.User, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &wikiclient.User{DisplayName: "Display-" + username}, nil
}

func TestResolve_CachesAfterFirstFetch(t *testing.T) {
	client := &countingClient{}
	cache := New(client)

	first, err := cache.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	second, err := cache.Resolve(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, client.calls)
}

func TestResolve_ConcurrentLookupsCoalesceIntoOneFetch(t *testing.T) {
	client := &countingClient{delay: 20 * time.Millisecond}
	cache := New(client)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(context.Background(), "bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, client.calls)
}

func TestResolve_ExpiredEntryRefetches(t *testing.T) {
	client := &countingClient{}
	now := time.Unix(0, 0)
	cache := New(client, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	_, err := cache.Resolve(context.Background(), "carol")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = cache.Resolve(context.Background(), "carol")
	require.NoError(t, err)

	assert.EqualValues(t, 2, client.calls)
}

func TestResolve_ZeroTTLNeverExpires(t *testing.T) {
	client := &countingClient{}
	now := time.Unix(0, 0)
	cache := New(client, WithTTL(0), WithClock(func() time.Time { return now }))

	_, err := cache.Resolve(context.Background(), "dave")
	require.NoError(t, err)
	now = now.Add(24 * time.Hour)
	_, err = cache.Resolve(context.Background(), "dave")
	require.NoError(t, err)

	assert.EqualValues(t, 1, client.calls)
}
