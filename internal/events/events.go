// Package events publishes order events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/payment"
)

// NewWriter creates a Kafka writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// MessageWriter is the part of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// PaymentNotifier publishes payment.succeeded events. Consumers send the
// customer confirmation.
type PaymentNotifier struct {
	w MessageWriter
}

var _ payment.Notifier = (*PaymentNotifier)(nil)

// NewPaymentNotifier creates a PaymentNotifier.
func NewPaymentNotifier(w MessageWriter) *PaymentNotifier {
	return &PaymentNotifier{w: w}
}

// PaymentSucceeded implements payment.Notifier.
func (n *PaymentNotifier) PaymentSucceeded(ctx context.Context, o payment.OrderRef, t *payment.Transaction) error {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str("payment.succeeded")
	e.FieldStart("orderId")
	e.Int64(o.ID)
	e.FieldStart("orderNumber")
	e.Str(o.Number)
	e.FieldStart("email")
	e.Str(o.Email)
	e.FieldStart("transactionId")
	e.Str(t.ID.String())
	e.FieldStart("gateway")
	e.Str(t.GatewaySystem)
	e.FieldStart("externalId")
	e.Str(t.ExternalID)
	e.FieldStart("amount")
	e.Str(t.Amount.StringFixed(2))
	e.FieldStart("currency")
	e.Str(t.Currency)
	if t.CompletedAt != nil {
		e.FieldStart("completedAt")
		e.Str(t.CompletedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()

	err := n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(o.Number),
		Value: e.Bytes(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("payment.succeeded")},
		},
	})
	if err != nil {
		return errors.Wrap(err, "publish payment.succeeded")
	}
	return nil
}

// LogNotifier records successful payments in the log only.
type LogNotifier struct{}

var _ payment.Notifier = LogNotifier{}

// PaymentSucceeded implements payment.Notifier.
func (LogNotifier) PaymentSucceeded(ctx context.Context, o payment.OrderRef, t *payment.Transaction) error {
	zctx.From(ctx).Info("Payment succeeded",
		zap.Int64("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.Stringer("transaction_id", t.ID),
		zap.Stringer("amount", t.Amount),
	)
	return nil
}
