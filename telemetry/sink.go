package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/modelrelay/relay/core"
)

// Sink persists normalized records. Emit must validate the contract and
// reject malformed rows rather than silently dropping fields.
type Sink interface {
	Emit(ctx context.Context, record *Record) error
}

// LoggerSink writes each record as one structured log line. It is the
// default sink and always available.
type LoggerSink struct {
	Logger core.Logger
}

// NewLoggerSink wraps a logger as a sink.
func NewLoggerSink(logger core.Logger) *LoggerSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LoggerSink{Logger: logger}
}

func (s *LoggerSink) Emit(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding telemetry record: %w: %v", core.ErrInternal, err)
	}
	s.Logger.Info("request telemetry", map[string]interface{}{
		"operation":  "telemetry_emit",
		"request_id": record.RequestID,
		"vendor":     string(record.Vendor),
		"model":      record.Model,
		"success":    record.Success,
		"record":     json.RawMessage(encoded),
	})
	return nil
}

// redisListMax bounds the buffered list so an idle consumer cannot grow it
// without limit.
const redisListMax = 100_000

// redisListKey is where records are buffered for the downstream consumer.
const redisListKey = "relay:telemetry"

// RedisSink buffers records in a capped Redis list for asynchronous
// consumption.
type RedisSink struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisSink connects to Redis and verifies the connection with a ping.
func NewRedisSink(ctx context.Context, redisURL string, logger core.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w: %v", core.ErrValidation, err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	logger.Info("telemetry redis sink connected", map[string]interface{}{
		"operation": "telemetry_sink_init",
		"addr":      opt.Addr,
		"list_key":  redisListKey,
	})
	return &RedisSink{client: client, logger: logger}, nil
}

func (s *RedisSink) Emit(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding telemetry record: %w: %v", core.ErrInternal, err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, redisListKey, encoded)
	pipe.LTrim(ctx, redisListKey, 0, redisListMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing telemetry record: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink fans one record out to several sinks. The first validation
// error aborts; downstream transport errors are logged and do not block the
// remaining sinks.
type MultiSink struct {
	sinks  []Sink
	logger core.Logger
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(logger core.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	out := &MultiSink{logger: logger}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

func (m *MultiSink) Emit(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, record); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Error("telemetry sink emit failed", map[string]interface{}{
				"operation":  "telemetry_emit_failed",
				"request_id": record.RequestID,
				"error":      err.Error(),
			})
		}
	}
	return firstErr
}
