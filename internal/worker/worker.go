package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"release-coordinator/internal/deployment"
	"release-coordinator/internal/graph"
	"release-coordinator/internal/rollback"
	"release-coordinator/pkg/logger"
	"release-coordinator/pkg/rabbitmq"

	"github.com/rabbitmq/amqp091-go"
)

const (
	MaxJobRetries = 5

	retryHeader = "x-retry-count"
)

// Worker consumes release and rollback jobs from RabbitMQ and drives
// them through the coordinator. Transient failures are retried up to
// MaxJobRetries by republishing with an incremented retry header;
// permanent failures (bad graph, invalid target, malformed payload)
// go straight to the dead-letter queue.
type Worker struct {
	mq           *rabbitmq.Client
	orchestrator *deployment.Orchestrator
	rollbacks    *rollback.Manager

	// republish reports whether the retry publish went through; the
	// delivery is settled exactly once based on that.
	republish func(ctx context.Context, routingKey string, msg amqp091.Delivery, retries int) bool
}

func New(mq *rabbitmq.Client, orchestrator *deployment.Orchestrator, rollbacks *rollback.Manager) *Worker {
	w := &Worker{
		mq:           mq,
		orchestrator: orchestrator,
		rollbacks:    rollbacks,
	}
	w.republish = w.publishRetry
	return w
}

func (w *Worker) Start(ctx context.Context) error {
	ch := w.mq.Channel()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	releases, err := ch.Consume(
		rabbitmq.ReleaseQueue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register release consumer: %w", err)
	}

	rollbacks, err := ch.Consume(
		rabbitmq.RollbackQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register rollback consumer: %w", err)
	}

	go w.consume(ctx, releases, rabbitmq.ReleaseKey, w.handleRelease)
	go w.consume(ctx, rollbacks, rabbitmq.RollbackKey, w.handleRollback)

	logger.Info("worker started, waiting for release and rollback jobs")
	return nil
}

func (w *Worker) consume(ctx context.Context, msgs <-chan amqp091.Delivery, routingKey string, handle func(context.Context, []byte) error) {
	for msg := range msgs {
		select {
		case <-ctx.Done():
			msg.Nack(false, true)
			return
		default:
		}

		err := handle(ctx, msg.Body)
		if err == nil {
			msg.Ack(false)
			continue
		}

		if isPermanent(err) {
			logger.Error("job failed permanently, dead-lettering",
				logger.String("queue", routingKey), logger.Err(err))
			w.deadLetter(ctx, msg)
			msg.Ack(false)
			continue
		}

		retries := retryCount(msg)
		if retries >= MaxJobRetries {
			logger.Error("job exhausted retries, dead-lettering",
				logger.String("queue", routingKey),
				logger.Int("retries", retries),
				logger.Err(err))
			w.deadLetter(ctx, msg)
			msg.Ack(false)
			continue
		}

		logger.Warn("job failed, requeueing",
			logger.String("queue", routingKey),
			logger.Int("attempt", retries+1),
			logger.Err(err))
		if w.republish(ctx, routingKey, msg, retries+1) {
			msg.Ack(false)
		} else {
			msg.Nack(false, true)
		}
	}
}

func (w *Worker) handleRelease(ctx context.Context, body []byte) error {
	var req deployment.ReleaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return permanentError{fmt.Errorf("malformed release message: %w", err)}
	}

	result, err := w.orchestrator.CoordinateRelease(ctx, req)
	if err != nil {
		return err
	}

	logger.Info("release job finished",
		logger.String("deployment_id", result.DeploymentID),
		logger.String("status", string(result.Status)))
	return nil
}

func (w *Worker) handleRollback(ctx context.Context, body []byte) error {
	var req rollback.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return permanentError{fmt.Errorf("malformed rollback message: %w", err)}
	}

	result, err := w.rollbacks.Execute(ctx, req)
	if err != nil {
		return err
	}

	logger.Info("rollback job finished",
		logger.String("rollback_id", result.RollbackID),
		logger.Bool("success", result.Success))
	return nil
}

// publishRetry sends the message back through the exchange with an
// incremented retry counter instead of a plain requeue, so the count
// survives broker restarts.
func (w *Worker) publishRetry(ctx context.Context, routingKey string, msg amqp091.Delivery, retries int) bool {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries)

	err := w.mq.Channel().PublishWithContext(ctx,
		rabbitmq.ReleaseExchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
			Body:         msg.Body,
		})
	if err != nil {
		logger.Error("failed to republish job for retry", logger.Err(err))
		return false
	}
	return true
}

func (w *Worker) deadLetter(ctx context.Context, msg amqp091.Delivery) {
	err := w.mq.Channel().PublishWithContext(ctx,
		"", // default exchange, routed by queue name
		rabbitmq.DeadLetterQueue,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Headers:      msg.Headers,
			Body:         msg.Body,
		})
	if err != nil {
		logger.Error("failed to dead-letter job", logger.Err(err))
	}
}

func retryCount(msg amqp091.Delivery) int {
	if v, ok := msg.Headers[retryHeader]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		}
	}

	// RabbitMQ adds x-death on dead-letter cycles.
	if xDeath, ok := msg.Headers["x-death"].([]interface{}); ok && len(xDeath) > 0 {
		if entry, ok := xDeath[0].(amqp091.Table); ok {
			if count, ok := entry["count"].(int64); ok {
				return int(count)
			}
		}
	}

	return 0
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var (
		perm    permanentError
		missing *graph.MissingDependencyError
		cycle   *graph.CircularDependencyError
		target  *rollback.InvalidRollbackTargetError
	)
	return errors.As(err, &perm) ||
		errors.As(err, &missing) ||
		errors.As(err, &cycle) ||
		errors.As(err, &target)
}
