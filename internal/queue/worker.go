package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/engine"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/timing"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"

	"github.com/go-playground/validator"
	"github.com/rabbitmq/amqp091-go"
)

const retryHeader = "x-retries"

type Submitter interface {
	Submit(ctx context.Context, req engine.Request) (engine.Response, error)
}

// MetricsSource is implemented by the model clients.
type MetricsSource interface {
	GetMetrics() ai.ModelMetrics
	ResetMetrics()
}

// Reply is published to the ReplyTo queue of a request.
type Reply struct {
	Response *engine.Response `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type WorkerParams struct {
	Channel    Publisher
	Queue      string
	Engines    Submitter
	MaxRetries int
	// Timeout bounds one request; 0 leaves it unbounded.
	Timeout time.Duration
	Metrics MetricsSource
}

// Worker answers query requests consumed from a single queue. Failed
// requests are re-queued through the retry queue up to MaxRetries times
// and then moved to the dead-letter queue.
type Worker struct {
	ch         Publisher
	queue      string
	engines    Submitter
	maxRetries int
	timeout    time.Duration
	metrics    MetricsSource
	validate   *validator.Validate
}

func NewWorker(params WorkerParams) *Worker {
	return &Worker{
		ch:         params.Channel,
		queue:      params.Queue,
		engines:    params.Engines,
		maxRetries: params.MaxRetries,
		timeout:    params.Timeout,
		metrics:    params.Metrics,
		validate:   validator.New(),
	}
}

// Run handles deliveries one at a time until ctx is done or the delivery
// channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp091.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping message processor")
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.process(ctx, msg)
			logger.Info("Waiting for next message")
		}
	}
}

func (w *Worker) process(ctx context.Context, msg amqp091.Delivery) {
	startTime := time.Now()
	logger.Info("Received message", "queue", w.queue, "correlation_id", msg.CorrelationId)

	w.Handle(ctx, msg)

	if w.metrics != nil {
		metrics := w.metrics.GetMetrics()
		logger.Info(
			"AI Metrics",
			"requests", metrics.Requests,
			"input_tokens", metrics.InputTokens,
			"output_tokens", metrics.OutputTokens,
			"total_tokens", metrics.TotalTokens,
			"duration", timing.Clock(timing.ModelTime(metrics)),
		)
		w.metrics.ResetMetrics()
	}
	logger.Info("Processing time", "duration", timing.Clock(time.Since(startTime)))
}

// Handle processes one delivery and settles it.
func (w *Worker) Handle(ctx context.Context, msg amqp091.Delivery) {
	var req engine.Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		w.reject(ctx, msg, fmt.Errorf("%w: %v", query.ErrInvalidRequest, err))
		return
	}
	if err := w.validate.Struct(req); err != nil {
		w.reject(ctx, msg, fmt.Errorf("%w: %v", query.ErrInvalidRequest, err))
		return
	}

	reqCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	res, err := w.engines.Submit(reqCtx, req)
	switch {
	case err == nil:
		if err := w.reply(ctx, msg, Reply{Response: &res}); err != nil {
			logger.Error("Failed to publish reply", "reply_to", msg.ReplyTo, "err", err)
			nack(msg, true)
			return
		}
		ack(msg)
		logger.Info("Message processed successfully", "queue", w.queue, "mode", req.Mode)
	case errors.Is(err, query.ErrInvalidRequest):
		w.reject(ctx, msg, err)
	case ctx.Err() != nil:
		// Shutting down; another worker picks it up.
		nack(msg, true)
	default:
		logger.Error("Error processing message", "queue", w.queue, "err", err)
		w.handleProcessingError(ctx, msg, err)
	}
}

// reject settles a request that can never succeed. The caller is told why
// when it asked for a reply, otherwise the message is dead-lettered.
func (w *Worker) reject(ctx context.Context, msg amqp091.Delivery, cause error) {
	logger.Warn("Rejecting message", "queue", w.queue, "err", cause)
	if msg.ReplyTo != "" {
		if err := w.reply(ctx, msg, Reply{Error: cause.Error()}); err == nil {
			ack(msg)
			return
		}
	}
	w.deadLetter(ctx, msg)
}

func (w *Worker) handleProcessingError(ctx context.Context, msg amqp091.Delivery, cause error) {
	retries := retryCount(msg.Headers)

	if retries >= w.maxRetries {
		if msg.ReplyTo != "" {
			if err := w.reply(ctx, msg, Reply{Error: cause.Error()}); err != nil {
				logger.Error("Failed to publish reply", "reply_to", msg.ReplyTo, "err", err)
			}
		}
		w.deadLetter(ctx, msg)
		return
	}

	retryName := RetryName(w.queue)
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)

	err := PublishFIFO(ctx, w.ch, retryName, amqp091.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		Headers:       headers,
		ReplyTo:       msg.ReplyTo,
		CorrelationId: msg.CorrelationId,
	})
	if err != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		nack(msg, true)
		return
	}
	ack(msg)
}

func (w *Worker) deadLetter(ctx context.Context, msg amqp091.Delivery) {
	dlqName := DLQName(w.queue)
	logger.Info("Sending message to DLQ", "dlq", dlqName)
	err := PublishFIFO(ctx, w.ch, dlqName, amqp091.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		Headers:       msg.Headers,
		ReplyTo:       msg.ReplyTo,
		CorrelationId: msg.CorrelationId,
	})
	if err != nil {
		logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", err)
		nack(msg, true)
		return
	}
	ack(msg)
}

func (w *Worker) reply(ctx context.Context, msg amqp091.Delivery, r Reply) error {
	if msg.ReplyTo == "" {
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return w.ch.PublishWithContext(ctx, "", msg.ReplyTo, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationId,
		Body:          body,
		Timestamp:     time.Now(),
	})
}

func retryCount(headers amqp091.Table) int {
	switch v := headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func ack(msg amqp091.Delivery) {
	if err := msg.Ack(false); err != nil {
		logger.Error("Failed to ack message", "err", err)
	}
}

func nack(msg amqp091.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		logger.Error("Failed to nack message", "err", err)
	}
}
