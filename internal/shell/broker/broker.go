package broker

import (
	"log/slog"

	"github.com/artpar/multiplan/internal/shell/expansion"
)

// Broker subscribes to the request topic and answers expansion requests.
type Broker struct {
	client  *Client
	handler *Handler
	config  Config
	logger  *slog.Logger
}

// New creates a broker transport for svc.
func New(cfg Config, svc *expansion.Service, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	client := NewClient(cfg, logger)
	return &Broker{
		client:  client,
		handler: NewHandler(svc, client, cfg.ReplyTopic, cfg.QoS, logger),
		config:  cfg,
		logger:  logger.With("component", "broker"),
	}
}

// Start connects to the broker and subscribes to the request topic.
func (b *Broker) Start() error {
	if err := b.client.Connect(); err != nil {
		return err
	}
	if err := b.client.Subscribe(b.config.RequestTopic, b.config.QoS, b.handler.MessageHandler()); err != nil {
		b.client.Disconnect()
		return err
	}

	b.logger.Info("broker started",
		"broker_url", b.config.BrokerURL,
		"request_topic", b.config.RequestTopic,
		"reply_topic", b.config.ReplyTopic,
	)
	return nil
}

// Stop disconnects from the broker.
func (b *Broker) Stop() {
	b.client.Disconnect()
	b.logger.Info("broker stopped")
}

// IsConnected reports whether the underlying client is connected.
func (b *Broker) IsConnected() bool {
	return b.client.IsConnected()
}
