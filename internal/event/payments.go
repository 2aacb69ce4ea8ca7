package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/store"
)

// PaymentResult is the external payment-authorization outcome for a pending
// appointment.
type PaymentResult struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Result        string    `json:"result"` // "authorized" | "declined"
}

// PaymentApplier is the coordinator operation the consumer drives.
type PaymentApplier interface {
	ApplyPaymentResult(ctx context.Context, id uuid.UUID, authorized bool) (domain.Appointment, error)
}

// PaymentConsumer reads payment-authorization results and transitions the
// matching pending appointments.
type PaymentConsumer struct {
	reader  *kafka.Reader
	applier PaymentApplier
	log     *slog.Logger
}

func NewPaymentConsumer(brokers []string, groupID, topic string, applier PaymentApplier, log *slog.Logger) *PaymentConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		applier: applier,
		log:     log.With(slog.String("component", "event.payments")),
	}
}

// Run blocks until ctx is cancelled.
func (c *PaymentConsumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("kafka read error", slog.Any("err", err))
			time.Sleep(time.Second)
			continue
		}

		var res PaymentResult
		if err := json.Unmarshal(msg.Value, &res); err != nil {
			c.log.Warn("invalid payment result payload", slog.Any("err", err))
			continue
		}
		if res.AppointmentID == uuid.Nil {
			c.log.Warn("payment result without appointment_id")
			continue
		}

		authorized := res.Result == "authorized"
		if _, err := c.applier.ApplyPaymentResult(ctx, res.AppointmentID, authorized); err != nil {
			// The appointment may have been cancelled or confirmed already;
			// a missing pending row is a no-op, not a failure.
			if errors.Is(err, store.ErrNotFound) {
				c.log.Info("payment result for non-pending appointment ignored",
					slog.String("appointment_id", res.AppointmentID.String()))
				continue
			}
			c.log.Error("payment result apply failed",
				slog.Any("err", err),
				slog.String("appointment_id", res.AppointmentID.String()))
		}
	}
}
