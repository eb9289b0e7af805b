// Package calclient is the worker's telemetry-event collaborator. Its
// implementation is explicitly out of scope for this worker (the real
// backing service is a separate system), but the interface the rest of
// the worker calls into is in scope: every subsystem that would "log a
// CAL event" in the worker's ancestry calls Client.Event here instead.
package calclient

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shardstore/occworker/internal/wlog"
)

// Event is a single telemetry event: a name, a status, and a small set
// of free-form attributes, matching the (type, name, status, data)
// shape CAL events use.
type Event struct {
	Name      string
	Status    string
	Data      map[string]string
	Timestamp time.Time
}

// Sink receives events. Two implementations are provided: a default
// log-based sink for local/dev use and an AMQP-publishing sink for a
// deployment that wants the event stream to leave the process.
type Sink interface {
	Publish(Event)
	Close() error
}

// Client is the collaborator the worker's subsystems hold a reference
// to; it never blocks the caller on publish.
type Client struct {
	sessionName string
	sink        Sink
}

func New(sessionName string, sink Sink) *Client {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Client{sessionName: sessionName, sink: sink}
}

func (c *Client) Event(name, status string, data map[string]string) {
	c.sink.Publish(Event{
		Name:      name,
		Status:    status,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (c *Client) Close() error { return c.sink.Close() }

// LogSink writes events through the ambient wlog convention. This is
// the default sink so a worker run without CAL configured still has a
// visible telemetry trail.
type LogSink struct {
	log *wlog.Logger
}

func NewLogSink() *LogSink { return &LogSink{log: wlog.New("cal")} }

func (s *LogSink) Publish(e Event) {
	s.log.Printf("event name=%s status=%s data=%v", e.Name, e.Status, e.Data)
}

func (s *LogSink) Close() error { return nil }

// AMQPSink publishes each event as a fire-and-forget message to a CAL
// exchange, standing in for the out-of-scope telemetry backend while
// still exercising a real message-broker client the way the rest of
// this codebase's ancestry uses AMQP for its RPC transport.
type AMQPSink struct {
	log      *wlog.Logger
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink dials amqpURL and declares a fanout exchange named
// "cal.events" that events are published to. If dialing fails, the
// caller should fall back to NewLogSink rather than block worker
// startup on telemetry infrastructure.
func NewAMQPSink(amqpURL string) (*AMQPSink, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("calclient: dialing AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("calclient: opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare("cal.events", "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("calclient: declaring exchange: %w", err)
	}
	return &AMQPSink{log: wlog.New("cal"), conn: conn, ch: ch, exchange: "cal.events"}, nil
}

func (s *AMQPSink) Publish(e Event) {
	body := fmt.Sprintf("%s|%s|%s", e.Timestamp.Format(time.RFC3339Nano), e.Name, e.Status)
	for k, v := range e.Data {
		body += fmt.Sprintf("|%s=%s", k, v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.ch.PublishWithContext(ctx, s.exchange, "", false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(body),
	})
	if err != nil {
		s.log.Printf("publish failed, dropping event %s: %v", e.Name, err)
	}
}

func (s *AMQPSink) Close() error {
	s.ch.Close()
	return s.conn.Close()
}
