package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const DefaultSubject = "snapshots.published"

// Notifier announces written snapshot files and lets API replicas reload
// them. Every subscriber receives every event.
type Notifier struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

var _ ports.SnapshotNotifier = (*Notifier)(nil)

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	ClientName           string
}

func New(url, subject string, options Options) (*Notifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.ClientName
	if name == "" {
		name = "hybrid-rag"
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Notifier{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (n *Notifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *Notifier) PublishSnapshot(ctx context.Context, event domain.SnapshotPublished) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal snapshot event: %w", err)
	}

	call := func(_ context.Context) error {
		if err := n.conn.Publish(n.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if n.executor != nil {
		err = n.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeSnapshots blocks until ctx is done, then drains the subscription.
func (n *Notifier) SubscribeSnapshots(ctx context.Context, handler func(context.Context, domain.SnapshotPublished) error) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		event, err := decodeSnapshotEvent(msg.Data)
		if err != nil {
			slog.Warn("snapshot_event_invalid", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, event); err != nil {
			slog.Error("snapshot_event_handler_failed", "version", event.Version, "path", event.Path, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := n.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeSnapshotEvent(data []byte) (domain.SnapshotPublished, error) {
	var event domain.SnapshotPublished
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.SnapshotPublished{}, fmt.Errorf("decode snapshot event: %w", err)
	}
	if event.Path == "" {
		return domain.SnapshotPublished{}, errors.New("snapshot event without path")
	}
	return event, nil
}
