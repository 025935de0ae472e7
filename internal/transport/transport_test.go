package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vincentbai/attentrace/internal/spool"
)

type collector struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != 0 {
		w.WriteHeader(c.status)
		return
	}
	c.bodies = append(c.bodies, string(body))
	w.WriteHeader(http.StatusNoContent)
}

func (c *collector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func (c *collector) fail(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func setupSpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.NewSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })
	return sp
}

func TestSenderPostsJSON(t *testing.T) {
	contentType := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType <- r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, nil)
	done := make(chan error, 1)
	s.Send(context.Background(), []byte(`{"data":[]}`), func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}
	assert.Equal(t, "application/json", <-contentType)
}

func TestSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL, nil).Post(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, ErrStatus))
}

func TestBeaconClearsSpoolOnDelivery(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()
	sp := setupSpool(t)

	b := NewSpoolBeacon(NewHTTPSender(srv.URL, nil), sp, log.New(io.Discard, "", 0))
	assert.True(t, b.Beacon([]byte(`{"data":[1]}`)))
	b.Wait()

	assert.Equal(t, []string{`{"data":[1]}`}, c.received())
	count, _, err := sp.Usage()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBeaconKeepsFailedBodiesForReplay(t *testing.T) {
	c := &collector{}
	c.fail(http.StatusBadGateway)
	srv := httptest.NewServer(c)
	defer srv.Close()
	sp := setupSpool(t)

	b := NewSpoolBeacon(NewHTTPSender(srv.URL, nil), sp, log.New(io.Discard, "", 0))
	b.Beacon([]byte(`{"data":[1]}`))
	b.Beacon([]byte(`{"data":[2]}`))
	b.Wait()

	entries, err := sp.Pending(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Attempts)

	sent, err := b.Replay(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrStatus))
	assert.Zero(t, sent)

	c.fail(0)
	sent, err = b.Replay(context.Background(), rate.NewLimiter(rate.Inf, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, c.received(), 2)

	count, _, err := sp.Usage()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBeaconWithoutSpool(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	b := NewSpoolBeacon(NewHTTPSender(srv.URL, nil), nil, log.New(io.Discard, "", 0))
	b.Beacon([]byte(`{}`))
	b.Wait()

	assert.Len(t, c.received(), 1)
	sent, err := b.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sent)
}
