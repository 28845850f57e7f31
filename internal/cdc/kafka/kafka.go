// Package kafka reads Debezium change events from Kafka with a consumer group
// and commits offsets only once the rows they carry have been applied.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/bookkeeping"
	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/config"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/types"
)

// Reader is the subset of *skafka.Reader the provider uses.
type Reader interface {
	FetchMessage(ctx context.Context) (skafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

func NewReader(cfg config.KafkaSource, logger *zap.Logger) *skafka.Reader {
	rc := skafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: skafka.FirstOffset,
		// offsets are committed explicitly by the bookkeeping
		CommitInterval: 0,
		ErrorLogger: skafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), zap.String("component", "kafka-reader"))
		}),
	}
	if rc.MaxBytes == 0 {
		rc.MaxBytes = 10e6
	}
	return skafka.NewReader(rc)
}

type Provider struct {
	name         string
	reader       Reader
	decoder      cdc.Decoder
	ingestor     *cdc.Ingestor
	pools        *pool.Pools
	out          func(bookkeeping.Request)
	batchSize    int
	fetchTimeout time.Duration
	logger       *zap.Logger

	trackers map[string]*bookkeeping.Tracker
}

type Options struct {
	Name         string
	BatchSize    int
	FetchTimeout time.Duration
}

// New creates a provider. out receives the commit requests of every
// partition the reader is assigned.
func New(opts Options, reader Reader, decoder cdc.Decoder, ingestor *cdc.Ingestor, pools *pool.Pools, out func(bookkeeping.Request), logger *zap.Logger) *Provider {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 500 * time.Millisecond
	}
	return &Provider{
		name:         opts.Name,
		reader:       reader,
		decoder:      decoder,
		ingestor:     ingestor,
		pools:        pools,
		out:          out,
		batchSize:    opts.BatchSize,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger.With(zap.String("source", opts.Name)),
		trackers:     make(map[string]*bookkeeping.Tracker),
	}
}

func (p *Provider) Name() string {
	return p.name
}

// PartitionKey identifies a topic partition in the bookkeeping.
func PartitionKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}

// Run fetches batches until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	p.logger.Info("Starting kafka provider",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("fetch_timeout", p.fetchTimeout))
	for {
		if ctx.Err() != nil {
			p.logger.Info("Kafka provider stopped")
			return nil
		}
		msgs, err := p.fetch(ctx)
		if err != nil {
			return errs.Wrap(err, errs.KindThread, "fetch from kafka")
		}
		if len(msgs) == 0 {
			continue
		}
		if err := p.process(ctx, msgs); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Provider) Close() error {
	return p.reader.Close()
}

// fetch collects up to batchSize messages or whatever arrives within
// fetchTimeout.
func (p *Provider) fetch(ctx context.Context) ([]skafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	var msgs []skafka.Message
	for len(msgs) < p.batchSize {
		m, err := p.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type partitionBatch struct {
	topic     string
	partition int
	offset    int64
	rows      []*types.Row
}

func (p *Provider) process(ctx context.Context, msgs []skafka.Message) error {
	batches := make(map[string]*partitionBatch)
	skipped := 0
	for i := range msgs {
		m := &msgs[i]
		key := PartitionKey(m.Topic, m.Partition)
		b, ok := batches[key]
		if !ok {
			b = &partitionBatch{topic: m.Topic, partition: m.Partition}
			batches[key] = b
		}
		b.offset = m.Offset

		row, err := p.pools.Rows.Borrow()
		if err != nil {
			p.release(batches)
			return err
		}
		decoded, err := p.decoder.Decode(&types.Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
		}, row)
		if err != nil || !decoded {
			if err != nil {
				p.logger.Warn("Skipping undecodable message",
					zap.String("topic", m.Topic),
					zap.Int("partition", m.Partition),
					zap.Int64("offset", m.Offset),
					zap.Error(err))
			}
			skipped++
			p.pools.Rows.Return(row)
			continue
		}
		b.rows = append(b.rows, row)
	}

	keys := make([]string, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, key := range keys {
		b := batches[key]
		if err := p.ingestor.Put(ctx, p.tracker(key, b.topic, b.partition), b.offset, b.rows); err != nil {
			for _, rest := range keys[i+1:] {
				for _, r := range batches[rest].rows {
					p.pools.Rows.Return(r)
				}
			}
			return err
		}
	}
	p.logger.Debug("Fetched batch",
		zap.Int("messages", len(msgs)),
		zap.Int("skipped", skipped),
		zap.Int("partitions", len(batches)))
	return nil
}

func (p *Provider) release(batches map[string]*partitionBatch) {
	for _, b := range batches {
		for _, r := range b.rows {
			p.pools.Rows.Return(r)
		}
	}
}

func (p *Provider) tracker(key, topic string, partition int) *bookkeeping.Tracker {
	if t, ok := p.trackers[key]; ok {
		return t
	}
	t := bookkeeping.NewTracker(key, p.ack(topic, partition), p.out)
	p.trackers[key] = t
	return t
}

func (p *Provider) ack(topic string, partition int) bookkeeping.Ack {
	return func(ctx context.Context, offset int64) error {
		err := p.reader.CommitMessages(ctx, skafka.Message{Topic: topic, Partition: partition, Offset: offset})
		return errors.Wrapf(err, "commit %s offset %d", PartitionKey(topic, partition), offset)
	}
}
