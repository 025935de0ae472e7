// Package transport delivers report batches over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/vincentbai/attentrace/internal/spool"
)

const (
	DefaultTimeout = 10 * time.Second
	beaconTimeout  = 5 * time.Second
)

var ErrStatus = errors.New("unexpected response status")

// HTTPSender posts batches to one endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSender(endpoint string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSender{endpoint: endpoint, client: client}
}

func (s *HTTPSender) Endpoint() string {
	return s.endpoint
}

// Send posts body in the background and calls done with the outcome.
func (s *HTTPSender) Send(ctx context.Context, body []byte, done func(error)) {
	go func() {
		done(s.Post(ctx, body))
	}()
}

// Post delivers body and waits for the response.
func (s *HTTPSender) Post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return nil
}

// SpoolBeacon is the page-hide transport. Each body is written to the spool
// before a best-effort post; the entry is removed once the post succeeds.
// Without a spool it only posts.
type SpoolBeacon struct {
	sender *HTTPSender
	spool  *spool.Spool
	logger *log.Logger
	wg     sync.WaitGroup
}

func NewSpoolBeacon(sender *HTTPSender, sp *spool.Spool, logger *log.Logger) *SpoolBeacon {
	if logger == nil {
		logger = log.Default()
	}
	return &SpoolBeacon{sender: sender, spool: sp, logger: logger}
}

// Beacon never blocks on the network.
func (b *SpoolBeacon) Beacon(body []byte) bool {
	var id int64
	if b.spool != nil {
		ids, err := b.spool.Insert([]spool.Entry{{
			CreatedAt: time.Now(),
			Endpoint:  b.sender.Endpoint(),
			Body:      body,
		}})
		if err != nil {
			b.logger.Printf("WARN: failed to spool beacon: %v", err)
		} else {
			id = ids[0]
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		b.settle(id, b.sender.Post(ctx, body))
	}()
	return true
}

func (b *SpoolBeacon) settle(id int64, err error) {
	if b.spool == nil || id == 0 {
		if err != nil {
			b.logger.Printf("WARN: beacon delivery failed: %v", err)
		}
		return
	}
	if err != nil {
		b.logger.Printf("WARN: beacon delivery failed, kept in spool: %v", err)
		if err := b.spool.MarkAttempt(id); err != nil {
			b.logger.Printf("ERROR: %v", err)
		}
		return
	}
	if err := b.spool.Delete(id); err != nil {
		b.logger.Printf("ERROR: %v", err)
	}
}

// Wait blocks until every beacon started so far has settled.
func (b *SpoolBeacon) Wait() {
	b.wg.Wait()
}

// Replay resends spooled batches oldest first, paced by limit, and stops at
// the first failure. It returns how many were delivered.
func (b *SpoolBeacon) Replay(ctx context.Context, limit *rate.Limiter) (int, error) {
	if b.spool == nil {
		return 0, nil
	}
	count, size, err := b.spool.Usage()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	b.logger.Printf("Replaying %d spooled batches (%s)", count, humanize.Bytes(uint64(size)))

	entries, err := b.spool.Pending(count)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, entry := range entries {
		if limit != nil {
			if err := limit.Wait(ctx); err != nil {
				return sent, err
			}
		}
		if err := b.sender.Post(ctx, entry.Body); err != nil {
			if markErr := b.spool.MarkAttempt(entry.ID); markErr != nil {
				b.logger.Printf("ERROR: %v", markErr)
			}
			return sent, fmt.Errorf("replay of batch from %s: %w", humanize.Time(entry.CreatedAt), err)
		}
		if err := b.spool.Delete(entry.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
