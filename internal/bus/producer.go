package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tradeforge/core/internal/errs"
)

// ProducerConfig carries broker coordinates and the acks mode. Anything
// other than "all" trades durability for latency; config validation warns
// about it at startup.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Acks     string
}

// Producer is a thread-safe JSON producer shared by every worker in a
// process.
type Producer struct {
	client *kgo.Client
	log    zerolog.Logger
}

// NewProducer connects the shared producer client.
func NewProducer(cfg ProducerConfig, logger zerolog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("producer: at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DialTimeout(10 * time.Second),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch strings.ToLower(cfg.Acks) {
	case "", "all", "-1":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "1", "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "0", "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("producer: unknown acks mode %q", cfg.Acks)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("producer: connect: %w", err)
	}
	return &Producer{client: client, log: logger}, nil
}

// ProduceJSON marshals payload and publishes it synchronously. The
// correlation id travels from ctx into a record header, so consumers can
// stitch multi-hop flows together.
func (p *Producer) ProduceJSON(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return errs.FatalWrap(err, fmt.Sprintf("marshal payload for %s", topic))
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderCorrelationID, Value: []byte(EnsureCorrelationID(ctx))},
		},
	}
	return p.ProduceRecord(ctx, rec)
}

// ProduceRecord publishes a prebuilt record synchronously. Used for verbatim
// republishes and dead letters where the original bytes must survive.
func (p *Producer) ProduceRecord(ctx context.Context, rec *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errs.Retryable(fmt.Errorf("produce to %s: %w", rec.Topic, err))
	}
	return nil
}

// Ping checks broker reachability, used by the readiness probe.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and shuts the client down.
func (p *Producer) Close() {
	p.client.Close()
}
