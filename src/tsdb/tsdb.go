package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// Config mirrors the influx_config YAML block. Bucket is the bucket-name
// prefix; the concrete bucket is derived per device.
type Config struct {
	Host   string `yaml:"host" validate:"required"`
	Port   int    `yaml:"port" default:"8086" validate:"gt=0"`
	Token  string `yaml:"token" validate:"required"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}

// URL returns the server base URL.
func (c Config) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Aggregators accepted by Query.
var aggregators = map[string]struct{}{
	"mean":  {},
	"sum":   {},
	"min":   {},
	"max":   {},
	"first": {},
	"last":  {},
}

// QueryOptions selects a window-aggregated range of one measurement.
type QueryOptions struct {
	Bucket      string
	Measurement string
	Start       time.Time
	Stop        time.Time
	Fields      []string
	Window      time.Duration
	Aggregator  string
	CreateEmpty bool
}

// Row is one record of a query result.
type Row struct {
	Time  time.Time
	Field string
	Value any
}

// Writer is the time-series client. Points carry no explicit timestamp so
// the server assigns write time.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	client influxdb2.Client
	org    *domain.Organization
}

// New connects, pings the server and resolves the organization.
func New(cfg Config) (*Writer, error) {
	client := influxdb2.NewClient(cfg.URL(), cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to time-series store: %w", err)
	}

	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, cfg.Org)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error resolving organization %s: %w", cfg.Org, err)
	}

	logger := slog.Default().With("context", "TSDB Writer")
	logger.Info("time-series store connected", "url", cfg.URL(), "org", cfg.Org)

	return &Writer{
		cfg:    cfg,
		logger: logger,
		client: client,
		org:    org,
	}, nil
}

// BucketPrefix returns the configured bucket-name prefix.
func (w *Writer) BucketPrefix() string {
	return w.cfg.Bucket
}

// EnsureBucket creates the bucket when missing and is silent when present.
func (w *Writer) EnsureBucket(ctx context.Context, name string) error {
	buckets := w.client.BucketsAPI()

	if _, err := buckets.FindBucketByName(ctx, name); err == nil {
		return nil
	}

	if _, err := buckets.CreateBucketWithName(ctx, w.org, name); err != nil {
		// A concurrent creator may win the race; conflict means present.
		if strings.Contains(err.Error(), "conflict") {
			return nil
		}
		return fmt.Errorf("error creating bucket %s: %w", name, err)
	}

	w.logger.Debug("bucket created", "bucket", name)
	return nil
}

// Write stores one point with a server-assigned timestamp, creating the
// bucket on first use.
func (w *Writer) Write(ctx context.Context, bucket, measurement string, fields map[string]any) error {
	if err := w.EnsureBucket(ctx, bucket); err != nil {
		return err
	}

	point := write.NewPoint(measurement, map[string]string{}, fields, time.Time{})
	if err := w.client.WriteAPIBlocking(w.cfg.Org, bucket).WritePoint(ctx, point); err != nil {
		return fmt.Errorf("error writing point to %s/%s: %w", bucket, measurement, err)
	}
	return nil
}

// Query runs a window-aggregated range query and returns the rows in time
// order.
func (w *Writer) Query(ctx context.Context, opts QueryOptions) ([]Row, error) {
	if _, ok := aggregators[opts.Aggregator]; !ok {
		return nil, fmt.Errorf("unsupported aggregator: %s", opts.Aggregator)
	}

	flux := buildFlux(opts)
	w.logger.Debug("running query", "bucket", opts.Bucket, "measurement", opts.Measurement)

	result, err := w.client.QueryAPI(w.cfg.Org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", opts.Bucket, err)
	}

	var rows []Row
	for result.Next() {
		rec := result.Record()
		rows = append(rows, Row{
			Time:  rec.Time(),
			Field: rec.Field(),
			Value: rec.Value(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error reading query result: %w", err)
	}
	return rows, nil
}

func buildFlux(opts QueryOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "from(bucket: %q)\n", opts.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		opts.Start.UTC().Format(time.RFC3339), opts.Stop.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", opts.Measurement)

	if len(opts.Fields) > 0 {
		conds := make([]string, len(opts.Fields))
		for i, f := range opts.Fields {
			conds[i] = fmt.Sprintf("r._field == %q", f)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}

	if opts.Window > 0 {
		fmt.Fprintf(&b, "  |> aggregateWindow(every: %ds, fn: %s, createEmpty: %t)\n",
			int64(opts.Window.Seconds()), opts.Aggregator, opts.CreateEmpty)
	}

	return b.String()
}

// Close releases the HTTP client.
func (w *Writer) Close() {
	w.client.Close()
}
