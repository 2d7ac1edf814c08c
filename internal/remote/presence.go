package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

var _ presence.Channel = (*PresenceChannel)(nil)

// PresenceChannel subscribes to the API presence stream.
type PresenceChannel struct {
	client *Client
}

// Presence returns the presence channel view of the client.
func (c *Client) Presence() *PresenceChannel {
	return &PresenceChannel{client: c}
}

// Subscribe opens the stream and returns once the first state has arrived, so Track can
// be called right away. A dropped stream is reopened with exponential backoff and the
// last claim is tracked again.
func (p *PresenceChannel) Subscribe(ctx context.Context, station stations.Station, _ string) (presence.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	subscription := &streamSubscription{
		client:   p.client,
		station:  station,
		ctx:      streamCtx,
		cancel:   cancel,
		events:   make(chan presence.Event, 1),
		finished: make(chan struct{}),
	}
	reader, body, err := subscription.connect(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	go subscription.run(reader, body)
	return subscription, nil
}

type streamSubscription struct {
	client   *Client
	station  stations.Station
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan presence.Event
	finished chan struct{}

	mu        sync.Mutex
	lastClaim *presence.Claim
}

func (s *streamSubscription) Events() <-chan presence.Event {
	return s.events
}

func (s *streamSubscription) Track(ctx context.Context, claim presence.Claim) error {
	s.mu.Lock()
	copied := claim
	s.lastClaim = &copied
	s.mu.Unlock()
	return s.client.call(ctx, http.MethodPut, stationPath(s.station, "/presence"), true, claim, nil)
}

func (s *streamSubscription) Untrack(ctx context.Context) error {
	s.mu.Lock()
	s.lastClaim = nil
	s.mu.Unlock()
	return s.client.call(ctx, http.MethodDelete, stationPath(s.station, "/presence"), true, nil, nil)
}

// Close ends the stream and waits until Events is closed.
func (s *streamSubscription) Close() error {
	s.cancel()
	<-s.finished
	return nil
}

// connect opens the stream and delivers its first sync event.
func (s *streamSubscription) connect(ctx context.Context) (*sseReader, io.Closer, error) {
	client := s.client
	if client.accessToken == "" {
		return nil, nil, ErrNotSignedIn
	}
	query := url.Values{}
	query.Set(protocol.QueryAPIKey, client.anonKey)
	query.Set(protocol.QueryAccessToken, client.accessToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.endpoint(stationPath(s.station, "/presence"), query), http.NoBody)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: build stream request: %w", err)
	}
	request.Header.Set("Accept", protocol.ContentTypeStream)
	response, err := client.streamClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: open presence stream: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		var body protocol.ErrorBody
		_ = json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&body)
		return nil, nil, &APIError{Status: response.StatusCode, Code: body.Code, Message: body.Message}
	}
	reader := newSSEReader(response.Body)
	for {
		name, data, err := reader.next()
		if err != nil {
			_ = response.Body.Close()
			return nil, nil, fmt.Errorf("remote: read presence stream: %w", err)
		}
		if name != protocol.EventSync {
			continue
		}
		if err := s.deliver(data); err != nil {
			_ = response.Body.Close()
			return nil, nil, err
		}
		return reader, response.Body, nil
	}
}

func (s *streamSubscription) run(reader *sseReader, body io.Closer) {
	defer close(s.finished)
	defer close(s.events)
	logger := s.client.logger.With(zap.String("station", s.station.String()))
	for {
		err := s.consume(reader)
		_ = body.Close()
		if s.ctx.Err() != nil {
			return
		}
		logger.Warn("presence stream dropped", zap.Error(err))
		presence.Offer(s.events, presence.Event{Kind: presence.EventError, Err: err})

		backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(reconnectBase))
		err = retry.Do(s.ctx, backoff, func(ctx context.Context) error {
			nextReader, nextBody, connectErr := s.connect(ctx)
			if connectErr != nil {
				logger.Debug("presence reconnect failed", zap.Error(connectErr))
				return retry.RetryableError(connectErr)
			}
			reader, body = nextReader, nextBody
			return nil
		})
		if err != nil {
			return
		}
		logger.Info("presence stream reconnected")
		s.retrack()
	}
}

func (s *streamSubscription) consume(reader *sseReader) error {
	for {
		name, data, err := reader.next()
		if err != nil {
			return err
		}
		if name != protocol.EventSync {
			continue
		}
		if err := s.deliver(data); err != nil {
			return err
		}
	}
}

func (s *streamSubscription) deliver(data []byte) error {
	var state protocol.PresenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("remote: decode presence state: %w", err)
	}
	presence.Offer(s.events, presence.Event{Kind: presence.EventSync, Claims: state.Claims})
	return nil
}

// retrack restores the claim the server dropped when the old stream closed.
func (s *streamSubscription) retrack() {
	s.mu.Lock()
	claim := s.lastClaim
	s.mu.Unlock()
	if claim == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultRequestTimeout)
	defer cancel()
	if err := s.client.call(ctx, http.MethodPut, stationPath(s.station, "/presence"), true, *claim, nil); err != nil {
		s.client.logger.Warn("presence re-track failed", zap.Error(err))
	}
}

// sseReader parses text/event-stream frames.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the next complete event. Comment lines and unknown fields are skipped.
func (r *sseReader) next() (string, []byte, error) {
	var (
		name string
		data bytes.Buffer
		seen bool
	)
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && seen {
				return name, data.Bytes(), nil
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if seen {
				if name == "" {
					name = "message"
				}
				return name, data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			seen = true
		}
	}
}
