package msg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrReaderClosed is returned by Poll after the reader is closed
var ErrReaderClosed = errors.New("log reader closed")

// Reader consumes a single partition of a topic from an explicit offset.
// It does not use consumer groups: the caller owns the cursor and decides
// where reading resumes (the engine persists its cursor in snapshots, the
// correlation client always tails from the end).
type Reader struct {
	client *kgo.Client
	logger *zap.Logger
	topic  string
}

// NewReader opens a reader on topic/partition. A negative offset means
// "start at the log end"; otherwise consumption starts exactly at offset.
func NewReader(brokers []string, topic string, partition int32, offset int64, logger *zap.Logger) (*Reader, error) {
	start := kgo.NewOffset().AtEnd()
	if offset >= 0 {
		start = kgo.NewOffset().At(offset)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {partition: start},
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	logger.Info("log reader opened",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return &Reader{client: client, logger: logger, topic: topic}, nil
}

// Poll blocks up to wait for records and returns at most max of them.
// An empty slice with a nil error means the wait elapsed with nothing new.
func (r *Reader) Poll(ctx context.Context, wait time.Duration, max int) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := r.client.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, ErrReaderClosed
	}

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		// The bounded wait elapsing is not a failure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if fetchErr == nil {
			fetchErr = fmt.Errorf("fetch error on %s/%d: %w", topic, partition, err)
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}

	var records []Record
	fetches.EachRecord(func(rec *kgo.Record) {
		records = append(records, Record{
			Topic:     rec.Topic,
			Key:       string(rec.Key),
			Value:     rec.Value,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Timestamp: rec.Timestamp.UnixMilli(),
		})
	})

	return records, nil
}

// Close closes the reader
func (r *Reader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// TailDialer opens fresh readers positioned at the end of a topic. Each
// correlation-client call gets its own cursor so concurrent callers do not
// interfere.
type TailDialer struct {
	Brokers   []string
	Topic     string
	Partition int32
	Logger    *zap.Logger
}

// OpenTail opens a new reader at the current log end
func (d *TailDialer) OpenTail(ctx context.Context) (*Reader, error) {
	return NewReader(d.Brokers, d.Topic, d.Partition, -1, d.Logger)
}
