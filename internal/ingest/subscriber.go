package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"stream-registry/internal/platform/logger"
)

// DefaultSubject is the NATS subject the ingest tool publishes on.
const DefaultSubject = "ingest.events"

const applyTimeout = 5 * time.Second

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	log = logger.OrDiscard(log)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: connect nats: %w", err)
	}
	return nc, nil
}

// Subscriber consumes ingest notifications from a NATS subject.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	applier Applier
	log     *slog.Logger
	sub     *nats.Subscription
}

// NewSubscriber returns a Subscriber. Call Start to begin consuming.
func NewSubscriber(conn *nats.Conn, subject string, applier Applier, log *slog.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Subscriber{conn: conn, subject: subject, applier: applier, log: logger.OrDiscard(log)}
}

// Start subscribes to the configured subject.
func (s *Subscriber) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info("ingest subscriber started", slog.String("subject", s.subject))
	return nil
}

// Close drains the subscription so in-flight messages are still applied.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	res := s.process(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Debug("ingest reply failed", slog.String("error", err.Error()))
	}
}

func (s *Subscriber) process(data []byte) Result {
	n, ev, err := Decode(data)
	if err != nil {
		s.log.Warn("dropping ingest notification", slog.String("error", err.Error()))
		return Result{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	sess, err := s.applier.Apply(ctx, n.AccessKey, ev)
	if err == nil {
		s.log.Info("ingest event applied",
			slog.String("session_id", string(sess.ID)),
			slog.String("event", string(ev)),
			slog.String("status", string(sess.Status)))
	}
	return resultOf(sess, err)
}
