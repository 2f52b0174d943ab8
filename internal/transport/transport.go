// Package transport sends raft messages to peers over HTTP, with a
// bounded number of retries per message and fire-and-forget delivery:
// the node's event loop never blocks on a peer being reachable.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.etcd.io/raft/v3/raftpb"
)

const (
	defaultTimeout    = 100 * time.Millisecond
	defaultMaxRetries = 5
)

// Unreachable is reported back to the node's inbound queue when a message
// could not be delivered after exhausting retries, mirroring RawNode's
// ReportUnreachable feedback loop.
type Unreachable struct {
	To uint64
}

// Sender dispatches outbound raft messages to registered peer addresses.
type Sender struct {
	mu      sync.RWMutex
	addrs   map[uint64]string
	client  *http.Client
	inbound chan<- interface{}
	logger  *zap.Logger

	timeout    time.Duration
	maxRetries int
}

// New builds a Sender that reports unreachable peers onto inbound. A
// zero timeout or maxRetries falls back to this package's defaults, and
// a nil logger to zap.NewNop(), so callers that don't need to configure
// these may pass zero values.
func New(inbound chan<- interface{}, logger *zap.Logger, timeout time.Duration, maxRetries int) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &Sender{
		addrs:      make(map[uint64]string),
		client:     &http.Client{Timeout: timeout},
		inbound:    inbound,
		logger:     logger,
		timeout:    timeout,
		maxRetries: maxRetries,
	}
}

// SetAddr registers or updates the address peers use to reach id.
func (s *Sender) SetAddr(id uint64, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[id] = addr
}

// RemoveAddr forgets id's address.
func (s *Sender) RemoveAddr(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, id)
}

func (s *Sender) addr(id uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addrs[id]
	return a, ok
}

// Send fans out msgs, one goroutine per message, each bounded by
// maxRetries attempts at timeout apiece. Messages to unknown peers are
// dropped with a debug log.
func (s *Sender) Send(msgs []raftpb.Message) {
	for _, m := range msgs {
		addr, ok := s.addr(m.To)
		if !ok {
			s.logger.Debug("dropping message to unknown peer", zap.Uint64("to", m.To))
			continue
		}
		go s.sendOne(addr, m)
	}
}

func (s *Sender) sendOne(addr string, m raftpb.Message) {
	data, err := m.Marshal()
	if err != nil {
		return
	}

	url := fmt.Sprintf("http://%s/raft/message", addr)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if s.post(url, data) {
			return
		}
	}

	if s.inbound != nil {
		select {
		case s.inbound <- Unreachable{To: m.To}:
		default:
		}
	}
}

func (s *Sender) post(url string, data []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
