package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const occurrenceChangedQueue = "schedule.occurrence_changed"

// AMQPDispatcher publishes occurrence events to RabbitMQ. Messages are
// persistent so they survive broker restarts; publish failures are logged
// and surfaced but never retried here.
type AMQPDispatcher struct {
	url string
	log *slog.Logger
}

func NewAMQPDispatcher(url string, log *slog.Logger) *AMQPDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPDispatcher{
		url: url,
		log: log.With(slog.String("component", "notify.amqp")),
	}
}

func (d *AMQPDispatcher) NotifyOccurrenceChanged(ctx context.Context, event OccurrenceChangedEvent) error {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		d.log.Warn("amqp dial failed", slog.Any("err", err))
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		d.log.Warn("amqp channel open failed", slog.Any("err", err))
		return err
	}
	defer func() { _ = ch.Close() }()

	// Idempotent declare so the consumer does not have to exist first.
	if _, err := ch.QueueDeclare(occurrenceChangedQueue, true, false, false, false, nil); err != nil {
		d.log.Warn("amqp queue declare failed", slog.Any("err", err))
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.log.Warn("event marshal failed", slog.Any("err", err))
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, "", occurrenceChangedQueue, false, false, pub); err != nil {
		d.log.Warn("amqp publish failed",
			slog.Any("err", err),
			slog.String("appointment_id", event.AppointmentID.String()),
			slog.String("change_type", string(event.ChangeType)),
		)
		return err
	}

	return nil
}
