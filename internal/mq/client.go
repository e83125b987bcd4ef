package mq

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Topics published by the indexer. Out-of-process executors subscribe to
// ReadyTopic; the HTTP surface serves the raw transaction at /tx/:txid but
// has no route for reporting execution results.
const (
	ReadyTopic   = "indexer.ready"
	JigTopic     = "indexer.jig"
	TrustTopic   = "indexer.trust"
	DeletedTopic = "indexer.deleted"
)

var ErrFailedToConnect = errors.New("failed to establish connection to message queue")

type MessageQueueClient interface {
	Publish(topic string, data []byte) error
	Shutdown()
}

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(url string, logger *slog.Logger) (*Client, error) {
	logger = logger.With(slog.String("module", "message-queue"))

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Message queue disconnected", slog.String("err", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("Message queue reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Join(ErrFailedToConnect, fmt.Errorf("url: %s", url), err)
	}

	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) Shutdown() {
	if c.conn != nil {
		c.conn.Close()
	}
}
