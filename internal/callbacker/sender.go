package callbacker

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrSenderDisposed = errors.New("sender is disposed already")

// Callback is the JSON body posted to the subscriber endpoint.
type Callback struct {
	Event     string    `json:"event"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// CallbackSender delivers callbacks over HTTP with exponential-backoff
// retries. Failed deliveries are dropped after maxElapsedTime and are not
// re-sent.
type CallbackSender struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	maxElapsedTime time.Duration

	mu       sync.Mutex
	disposed bool
}

type SenderOption func(s *CallbackSender)

func WithMaxElapsedTime(d time.Duration) SenderOption {
	return func(s *CallbackSender) {
		s.maxElapsedTime = d
	}
}

func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *CallbackSender) {
		s.httpClient = client
	}
}

func NewSender(url string, logger *slog.Logger, opts ...SenderOption) (*CallbackSender, error) {
	if url == "" {
		return nil, errors.New("callback url is required")
	}

	sender := &CallbackSender{
		url:            url,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         logger.With(slog.String("module", "sender")),
		maxElapsedTime: time.Minute,
	}

	for _, opt := range opts {
		opt(sender)
	}

	return sender, nil
}

func (s *CallbackSender) GracefulStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		s.logger.Info("Sender is already stopped")
		return
	}

	s.disposed = true
	s.logger.Info("Stopped sender")
}

func (s *CallbackSender) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrSenderDisposed
	}
	return nil
}

// Send posts the callback, retrying with exponential backoff until it
// succeeds or maxElapsedTime passes.
func (s *CallbackSender) Send(dto *Callback) bool {
	if s.Health() != nil {
		return false
	}

	payload, err := json.Marshal(dto)
	if err != nil {
		s.logger.Error("Couldn't marshal callback",
			slog.String("event", dto.Event),
			slog.String("data", dto.Data),
			slog.String("err", err.Error()))
		return false
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxElapsedTime

	err = backoff.Retry(func() error {
		return s.post(payload)
	}, policy)
	if err != nil {
		s.logger.Error("Callback delivery failed",
			slog.String("url", s.url),
			slog.String("event", dto.Event),
			slog.String("data", dto.Data),
			slog.String("err", err.Error()))
		return false
	}

	s.logger.Debug("Callback sent",
		slog.String("url", s.url),
		slog.String("event", dto.Event),
		slog.String("data", dto.Data))
	return true
}

func (s *CallbackSender) post(payload []byte) error {
	request, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return errors.New("callback endpoint returned " + response.Status)
	}
	return nil
}
