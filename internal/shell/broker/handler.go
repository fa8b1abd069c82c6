package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/expansion"
)

// Reply statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Publisher sends a message to a topic.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Request is an expansion request envelope. A message without a "plan" key
// is treated as a bare plan.
type Request struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Plan    json.RawMessage `json:"plan,omitempty"`
}

// Reply is published for every request.
type Reply struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Plan   json.RawMessage `json:"plan,omitempty"`
	Error  string          `json:"error,omitempty"`
	NodeID string          `json:"node_id,omitempty"`
	Field  string          `json:"field,omitempty"`
}

// Handler expands plans received as MQTT messages and publishes the results.
type Handler struct {
	service    *expansion.Service
	publisher  Publisher
	replyTopic string
	qos        byte
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHandler creates a message handler. Replies go to the request's reply_to
// topic, or replyTopic when the request names none.
func NewHandler(svc *expansion.Service, pub Publisher, replyTopic string, qos byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:    svc,
		publisher:  pub,
		replyTopic: replyTopic,
		qos:        qos,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "mqtt_handler"),
	}
}

// MessageHandler adapts the handler to paho's callback signature.
func (h *Handler) MessageHandler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		if err := h.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
			h.logger.Error("failed to handle message", "topic", msg.Topic(), "error", err)
		}
	}
}

// HandleMessage processes one request payload. Expansion failures are
// reported in the reply; only publish failures are returned.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	req, data, format := parseRequest(payload)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = h.replyTopic
	}
	logger := h.logger.With("request_id", req.ID, "topic", topic)

	reply := Reply{ID: req.ID, Status: StatusSucceeded}
	result, err := h.service.ExpandPayload(ctx, data, format, plan.FormatJSON)
	if err != nil {
		reply.Status = StatusFailed
		reply.Error = err.Error()
		var nodeErr *plan.NodeError
		if errors.As(err, &nodeErr) {
			reply.NodeID = nodeErr.NodeID
			reply.Field = nodeErr.Field
		}
		logger.Warn("expansion request failed", "error", err)
	} else {
		reply.Plan = result.Output
		logger.Debug("expansion request succeeded",
			"nodes", result.NodeCount,
			"instances", result.InstanceCount,
		)
	}

	if replyTo == "" {
		logger.Warn("no reply topic, dropping reply")
		return nil
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return h.publisher.Publish(replyTo, h.qos, out)
}

// parseRequest splits an incoming payload into its envelope and plan data.
func parseRequest(payload []byte) (Request, []byte, plan.Format) {
	var req Request
	if err := json.Unmarshal(payload, &req); err == nil && len(req.Plan) > 0 {
		return req, req.Plan, plan.FormatJSON
	}
	return Request{}, payload, plan.DetectFormat("", payload)
}
