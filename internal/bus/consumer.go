package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/metrics"
)

// DefaultBackoff is the retry delay ladder; the last step repeats when
// max_retries exceeds its length.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

const (
	defaultHandlerTimeout = 5 * time.Minute
	defaultSlowThreshold  = 30 * time.Second
	defaultDrainWindow    = 30 * time.Second
	commitTimeout         = 10 * time.Second
)

// ConsumerConfig describes one consumer group worker.
type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string

	// MaxConcurrent bounds in-flight handlers. The RT pipeline requires 1;
	// batch classes may go up to 20.
	MaxConcurrent int

	MaxRetries int
	Backoff    []time.Duration
	UseDLQ     bool

	// HandlerTimeout cancels a handler invocation; the resulting error is
	// retryable. SlowOpThreshold logs a warning independent of success.
	HandlerTimeout  time.Duration
	SlowOpThreshold time.Duration

	// DrainWindow bounds how long in-flight handlers may run after a
	// shutdown signal before their context is cancelled.
	DrainWindow time.Duration

	// Schema, when non-empty, is the JSON schema payloads must satisfy
	// before dispatch.
	Schema string
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.SlowOpThreshold <= 0 {
		c.SlowOpThreshold = defaultSlowThreshold
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = defaultDrainWindow
	}
	return c
}

// recordSink is the slice of Producer the runtime needs for republishes and
// dead letters.
type recordSink interface {
	ProduceRecord(ctx context.Context, rec *kgo.Record) error
}

// Consumer runs one handler against one topic with at-least-once delivery:
// offsets commit only after every record of a poll batch reached a terminal
// outcome, so a crash never skips an in-flight predecessor.
type Consumer struct {
	cfg      ConsumerConfig
	client   *kgo.Client
	producer recordSink
	handler  Handler
	schema   *gojsonschema.Schema
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// NewConsumer joins the consumer group and prepares the runtime. Offsets are
// committed manually.
func NewConsumer(cfg ConsumerConfig, handler Handler, producer *Producer, m *metrics.Registry, logger zerolog.Logger) (*Consumer, error) {
	cfg = cfg.withDefaults()
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, fmt.Errorf("consumer: topic and group are required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("consumer: at least one broker is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("consumer: handler is required")
	}
	if m == nil {
		m = metrics.NewRegistry()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(time.Second),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("consumer: connect: %w", err)
	}

	c := &Consumer{
		cfg:      cfg,
		client:   client,
		producer: producer,
		handler:  handler,
		metrics:  m,
		log:      logger.With().Str("topic", cfg.Topic).Str("group", cfg.Group).Logger(),
	}
	if cfg.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.Schema))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("consumer: compile schema for %s: %w", cfg.Topic, err)
		}
		c.schema = schema
	}
	return c, nil
}

// Run polls until ctx is cancelled. On shutdown it stops polling, lets
// in-flight handlers drain within the drain window, commits what finished,
// and closes the client.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	// Handlers detach from the poll context so shutdown drains them instead
	// of cancelling mid-write. The drain window is the hard bound.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		select {
		case <-time.After(c.cfg.DrainWindow):
			cancelHandlers()
		case <-done:
		}
	}()

	c.log.Info().Int("max_concurrent", c.cfg.MaxConcurrent).Bool("use_dlq", c.cfg.UseDLQ).Msg("consumer started")

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			c.log.Error().Err(fe.Err).Int32("partition", fe.Partition).Msg("fetch error")
		}

		var records []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			records = append(records, rec)
		})

		if len(records) > 0 && c.dispatch(handlerCtx, records) {
			cctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
			if err := c.client.CommitRecords(cctx, records...); err != nil {
				c.log.Error().Err(err).Msg("offset commit failed; batch will be redelivered")
			}
			cancel()
		}

		if ctx.Err() != nil {
			c.log.Info().Msg("consumer stopping")
			return nil
		}
	}
}

// dispatch processes one poll batch under the concurrency bound and reports
// whether every record reached a terminal outcome. A false return means
// shutdown interrupted the batch and nothing must be committed.
func (c *Consumer) dispatch(ctx context.Context, records []*kgo.Record) bool {
	if c.cfg.MaxConcurrent == 1 {
		for _, rec := range records {
			if !c.handleRecord(ctx, rec) {
				return false
			}
		}
		return true
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		terminal = true
	)
	sem := make(chan struct{}, c.cfg.MaxConcurrent)
	for _, rec := range records {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *kgo.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			if !c.handleRecord(ctx, rec) {
				mu.Lock()
				terminal = false
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()
	return terminal
}

// handleRecord drives one record to a terminal outcome: handled, republished,
// dead-lettered, or dropped. It returns false only when shutdown cancelled
// the work before it finished.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) bool {
	cid := headerValue(rec.Headers, HeaderCorrelationID)
	if cid == "" {
		cid = uuid.NewString()
	}
	logger := c.log.With().
		Str("correlation_id", cid).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Logger()
	ctx = WithCorrelationID(logger.WithContext(ctx), cid)

	if c.schema != nil {
		if reason := c.validatePayload(rec.Value); reason != "" {
			logger.Error().Str("reason", reason).Msg("payload rejected by schema")
			return c.finishDeadLetter(ctx, logger, rec, cid, 0, errs.Validationf("schema: %s", reason))
		}
	}

	msg := &Message{
		Topic:         rec.Topic,
		Key:           string(rec.Key),
		Value:         rec.Value,
		Headers:       headerMap(rec.Headers),
		CorrelationID: cid,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
	}

	for attempt := 0; ; attempt++ {
		msg.Attempt = attempt
		remaining, err := c.invoke(ctx, logger, msg)

		if err == nil && remaining > 0 {
			err = c.republish(ctx, rec, cid)
			if err == nil {
				logger.Debug().Int("remaining", remaining).Msg("task republished")
			}
		}
		if err == nil {
			c.metrics.RecordMessage(rec.Topic, metrics.OutcomeOK)
			return true
		}

		if errs.IsRetryable(err) && attempt < c.cfg.MaxRetries {
			delay := c.backoffFor(attempt)
			c.metrics.RecordRetry(rec.Topic)
			logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("handler failed, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				logger.Warn().Msg("shutdown during retry wait; leaving batch uncommitted")
				return false
			}
		}

		if errs.IsRetryable(err) {
			err = &errs.MaxRetriesExceededError{Attempts: attempt + 1, LastErr: err}
		}
		if c.cfg.UseDLQ {
			return c.finishDeadLetter(ctx, logger, rec, cid, attempt+1, err)
		}
		logger.Error().Err(err).Msg("message dropped without dead letter topic")
		c.metrics.RecordMessage(rec.Topic, metrics.OutcomeDropped)
		return true
	}
}

// invoke applies the timeout and slow-op decorators around the handler.
func (c *Consumer) invoke(ctx context.Context, logger zerolog.Logger, msg *Message) (int, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	remaining, err := c.handler(hctx, msg)
	elapsed := time.Since(start)

	c.metrics.ObserveHandler(msg.Topic, elapsed)
	if elapsed > c.cfg.SlowOpThreshold {
		logger.Warn().Dur("elapsed", elapsed).Dur("threshold", c.cfg.SlowOpThreshold).Msg("slow handler")
	}

	// A deadline hit on our own decorator is transient by definition; the
	// parent staying alive distinguishes it from shutdown.
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errs.Retryablef("handler timed out after %s", c.cfg.HandlerTimeout)
	}
	return remaining, err
}

// republish re-emits the original record bytes with the same key and
// correlation id onto the source topic.
func (c *Consumer) republish(ctx context.Context, rec *kgo.Record, cid string) error {
	if c.producer == nil {
		return errs.Fatalf("republish requested but consumer has no producer")
	}
	return c.producer.ProduceRecord(ctx, &kgo.Record{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: withHeader(rec.Headers, HeaderCorrelationID, cid),
	})
}

// finishDeadLetter ships the record to <topic>.failed with failure metadata
// headers. Terminal unless the dead letter publish itself fails, in which
// case the batch stays uncommitted and redelivery retries the whole flow.
func (c *Consumer) finishDeadLetter(ctx context.Context, logger zerolog.Logger, rec *kgo.Record, cid string, attempts int, cause error) bool {
	if c.producer == nil {
		logger.Error().Err(cause).Msg("no producer for dead letter; message dropped")
		c.metrics.RecordMessage(rec.Topic, metrics.OutcomeDropped)
		return true
	}

	reason := "fatal"
	switch {
	case errs.IsValidation(cause):
		reason = "validation"
	case errors.As(cause, new(*errs.MaxRetriesExceededError)):
		reason = "max_retries_exceeded"
	}

	headers := withHeader(rec.Headers, HeaderCorrelationID, cid)
	headers = append(headers,
		kgo.RecordHeader{Key: HeaderFailureReason, Value: []byte(reason)},
		kgo.RecordHeader{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
		kgo.RecordHeader{Key: HeaderLastError, Value: []byte(cause.Error())},
	)

	err := c.producer.ProduceRecord(ctx, &kgo.Record{
		Topic:   rec.Topic + DLQSuffix,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	})
	if err != nil {
		logger.Error().Err(err).Msg("dead letter publish failed; leaving batch uncommitted")
		return false
	}

	logger.Error().Err(cause).Str("reason", reason).Int("attempts", attempts).Msg("message dead-lettered")
	c.metrics.RecordDeadLetter(rec.Topic, reason)
	c.metrics.RecordMessage(rec.Topic, metrics.OutcomeDeadLetter)
	return true
}

func (c *Consumer) validatePayload(payload []byte) string {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Sprintf("payload is not valid JSON: %v", err)
	}
	if result.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return joinLimited(msgs, 3)
}

func (c *Consumer) backoffFor(attempt int) time.Duration {
	if attempt >= len(c.cfg.Backoff) {
		return c.cfg.Backoff[len(c.cfg.Backoff)-1]
	}
	return c.cfg.Backoff[attempt]
}

func headerValue(headers []kgo.RecordHeader, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func headerMap(headers []kgo.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// withHeader returns a copy of headers with key set exactly once.
func withHeader(headers []kgo.RecordHeader, key, value string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func joinLimited(msgs []string, max int) string {
	if len(msgs) > max {
		msgs = append(msgs[:max:max], fmt.Sprintf("and %d more", len(msgs)-max))
	}
	return strings.Join(msgs, "; ")
}
