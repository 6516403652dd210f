package revealfeed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
)

const envKafkaTLS = "VEIL_REVEALS_KAFKA_TLS"

var ErrInvalidFeedConfig = errors.New("revealfeed: invalid feed config")

// Source is the kafka.Reader subset the feed consumes from.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Trigger is fired after each reveal is durably recorded. The trigger outcome
// does not affect message acknowledgement: a reveal is accepted whether or not
// a batch happens to execute afterward.
type Trigger interface {
	OnReveal(ctx context.Context, key perp.PoolKey) bool
}

type FeedConfig struct {
	Brokers []string
	Group   string
	Topic   string
}

// NewKafkaSource builds a kafka-go reader for the reveal topic.
// TLS is enabled via VEIL_REVEALS_KAFKA_TLS.
func NewKafkaSource(cfg FeedConfig) (Source, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: at least one broker required", ErrInvalidFeedConfig)
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, fmt.Errorf("%w: consumer group required", ErrInvalidFeedConfig)
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("%w: topic required", ErrInvalidFeedConfig)
	}

	readerCfg := kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: strings.TrimSpace(cfg.Group),
		Topic:   strings.TrimSpace(cfg.Topic),
	}
	if kafkaTLSEnabled() {
		readerCfg.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return kafka.NewReader(readerCfg), nil
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Feed consumes confirmed reveal events, records them in the ledger and order
// store, and fires the coordinator's event trigger per pool.
type Feed struct {
	source  Source
	ledger  perp.LedgerStore
	orders  perp.OrderStore
	trigger Trigger
	log     *slog.Logger
}

func NewFeed(source Source, ledger perp.LedgerStore, orders perp.OrderStore, trigger Trigger, log *slog.Logger) (*Feed, error) {
	if source == nil || ledger == nil || orders == nil || trigger == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidFeedConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Feed{source: source, ledger: ledger, orders: orders, trigger: trigger, log: log}, nil
}

// Run consumes until ctx is cancelled. Malformed payloads are logged and
// committed so a poison message cannot wedge the partition; persistence
// failures are not committed and will be redelivered.
func (f *Feed) Run(ctx context.Context) error {
	for {
		msg, err := f.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			return fmt.Errorf("revealfeed: fetch: %w", err)
		}

		key, reveal, order, err := ParsePayload(msg.Value)
		if err != nil {
			f.log.Warn("dropping malformed reveal event", "err", err, "offset", msg.Offset)
			if err := f.source.CommitMessages(ctx, msg); err != nil {
				return fmt.Errorf("revealfeed: commit: %w", err)
			}
			continue
		}

		if err := f.orders.Upsert(ctx, order); err != nil {
			if errors.Is(err, perp.ErrOrderMismatch) {
				f.log.Warn("dropping reveal with conflicting order under same commitment",
					"commitment", fmt.Sprintf("%x", order.Commitment), "err", err)
				if err := f.source.CommitMessages(ctx, msg); err != nil {
					return fmt.Errorf("revealfeed: commit: %w", err)
				}
				continue
			}
			return fmt.Errorf("revealfeed: upsert order: %w", err)
		}
		if err := f.ledger.Insert(ctx, reveal); err != nil {
			return fmt.Errorf("revealfeed: insert reveal: %w", err)
		}
		if err := f.source.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("revealfeed: commit: %w", err)
		}

		f.trigger.OnReveal(ctx, key)
	}
}
