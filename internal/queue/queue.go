// Package queue serves query requests from RabbitMQ. Each work queue gets a
// dead-letter queue and a delayed retry queue that feeds back into it.
package queue

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// RetryDelay is how long a message waits in the retry queue.
const RetryDelay = 10 * time.Second

// Publisher is the part of *amqp091.Channel the worker publishes with.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Declarer is the part of *amqp091.Channel SetupQueues uses.
type Declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
}

func DLQName(queueName string) string {
	return queueName + "_dlq"
}

func RetryName(queueName string) string {
	return queueName + "_retry"
}

func Dial(url string) (*amqp091.Connection, error) {
	return amqp091.Dial(url)
}

// SetupQueues declares every queue together with its _dlq and _retry
// companions.
func SetupQueues(ch Declarer, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Error("QueueDeclare failed", "queue", name, "err", err)
			return err
		}

		dlqName := DLQName(name)
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			logger.Error("QueueDeclare failed", "queue", dlqName, "err", err)
			return err
		}

		retryName := RetryName(name)
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(RetryDelay / time.Millisecond),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			logger.Error("QueueDeclare failed", "queue", retryName, "err", err)
			return err
		}
	}

	return nil
}

// PublishFIFO sends data to queueName on the default exchange.
func PublishFIFO(ctx context.Context, ch Publisher, queueName string, msg amqp091.Publishing) error {
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp091.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		msg,
	)
}
