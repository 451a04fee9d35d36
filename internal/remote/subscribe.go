package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
)

const (
	eventChange  = "change"
	maxEventSize = 1 << 20
)

// Subscribe opens the store's change stream. The returned channel yields one
// value per change made by another device and is closed when the stream ends
// or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan clip.Change, error) {
	resp, err := c.openStream(ctx, false)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		resp, err = c.openStream(ctx, true)
	}
	if err != nil {
		return nil, translate(clip.ErrSubscription, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", clip.ErrSubscription, resp.StatusCode)
	}

	changes := make(chan clip.Change, 16)
	go func() {
		defer close(changes)
		defer resp.Body.Close()
		if err := readEvents(ctx, bufio.NewScanner(resp.Body), changes); err != nil && ctx.Err() == nil {
			c.logger.Warn("change stream ended", zap.Error(err))
		}
	}()
	return changes, nil
}

func (c *Client) openStream(ctx context.Context, refresh bool) (*http.Response, error) {
	token, err := c.ensureToken(ctx, refresh)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	return resp, nil
}

// readEvents parses a server-sent event stream and forwards change events.
func readEvents(ctx context.Context, scanner *bufio.Scanner, out chan<- clip.Change) error {
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)
	event := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == eventChange && data.Len() > 0 {
				var change clip.Change
				if err := json.Unmarshal([]byte(data.String()), &change); err == nil {
					select {
					case out <- change:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
