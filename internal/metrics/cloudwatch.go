// Package metrics publishes API request telemetry to CloudWatch.
//
// Metrics emitted:
//   - RequestCount: Dims {Method, Endpoint, Status}
//   - RequestLatency: Dims {Method, Endpoint} in milliseconds
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"billingrelay/internal/core"
)

// Metric and dimension names.
const (
	MetricRequestCount   = "RequestCount"
	MetricRequestLatency = "RequestLatency"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
)

const (
	// maxBatch keeps each PutMetricData call well below the API payload cap.
	maxBatch             = 20
	defaultFlushInterval = 10 * time.Second
	defaultBufferSize    = 1000
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// NewClient builds a CloudWatch SDK client for region. endpoint is optional
// and points the client at LocalStack.
func NewClient(ctx context.Context, region, endpoint string) (*cloudwatch.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for CloudWatch (region=%s): %w", region, err)
	}
	return cloudwatch.NewFromConfig(cfg, func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

var _ core.MetricsCollector = (*CloudWatchCollector)(nil)

// CloudWatchCollector buffers request datums and publishes them in batches
// from a background loop. RecordRequest never blocks the request path: when
// the buffer is full the datum is dropped and counted.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	limit   int
	dropped int

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option tunes a CloudWatchCollector.
type Option func(*CloudWatchCollector)

// WithFlushInterval sets how often buffered datums are published.
func WithFlushInterval(d time.Duration) Option {
	return func(c *CloudWatchCollector) { c.interval = d }
}

// WithBufferSize caps the datums held between flushes.
func WithBufferSize(n int) Option {
	return func(c *CloudWatchCollector) { c.limit = n }
}

// NewCloudWatchCollector starts a collector publishing to namespace. Call
// Close to flush and stop the background loop.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger, opts ...Option) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
		interval:  defaultFlushInterval,
		now:       time.Now,
		limit:     defaultBufferSize,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop()
	return c
}

// RecordRequest implements core.MetricsCollector.
func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ts := aws.Time(c.now())
	count := cwtypes.MetricDatum{
		MetricName: aws.String(MetricRequestCount),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  ts,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimMethod), Value: aws.String(method)},
			{Name: aws.String(DimEndpoint), Value: aws.String(endpoint)},
			{Name: aws.String(DimStatus), Value: aws.String(status)},
		},
	}
	latency := cwtypes.MetricDatum{
		MetricName: aws.String(MetricRequestLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Timestamp:  ts,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimMethod), Value: aws.String(method)},
			{Name: aws.String(DimEndpoint), Value: aws.String(endpoint)},
		},
	}

	c.mu.Lock()
	if len(c.pending)+2 > c.limit {
		c.dropped += 2
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, count, latency)
	full := len(c.pending) >= maxBatch
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

func (c *CloudWatchCollector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-c.kick:
			c.Flush(context.Background())
		case <-c.stop:
			return
		}
	}
}

// Flush publishes everything buffered so far. Publish failures are logged
// and the affected datums discarded.
func (c *CloudWatchCollector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	dropped := c.dropped
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("metric buffer full, datums dropped", "dropped", dropped)
	}

	for start := 0; start < len(batch); start += maxBatch {
		end := min(start+maxBatch, len(batch))
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[start:end],
		}
		if _, err := c.client.PutMetricData(ctx, input); err != nil {
			c.logger.Error("failed to publish request metrics",
				"error", err.Error(),
				"namespace", c.namespace,
				"datums", end-start,
			)
		}
	}
}

// Close stops the background loop and publishes what remains. It is safe to
// call more than once.
func (c *CloudWatchCollector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.stop) })
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.Flush(ctx)
	return nil
}
