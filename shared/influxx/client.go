package influxx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"device-operation-management/shared/config"
)

var errNotInitialized = errors.New("influx client not initialized")

// Client batches points in the background. WritePoint never blocks on the
// network; failed batches are reported to the onError callback given to New.
type Client struct {
	client influxdb2.Client
	write  api.WriteAPI
	done   chan struct{}
}

// Enabled reports whether cfg carries everything New needs.
func Enabled(cfg config.Config) bool {
	return cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
}

func New(cfg config.Config, onError func(error)) (*Client, error) {
	if !Enabled(cfg) {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS)).
		SetBatchSize(200).
		SetFlushInterval(1000).
		SetUseGZip(true)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	c := &Client{
		client: client,
		write:  client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket),
		done:   make(chan struct{}),
	}
	errs := c.write.Errors()
	go func() {
		defer close(c.done)
		for err := range errs {
			if onError != nil {
				onError(err)
			}
		}
	}()
	return c, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c.write.WritePoint(influxdb2.NewPoint(measurement, tags, fields, ts))
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	check, err := c.client.Health(ctx)
	if err != nil {
		return err
	}
	if check.Status != domain.HealthCheckStatusPass {
		return fmt.Errorf("influx health status %s", check.Status)
	}
	return nil
}

// Close flushes buffered points before closing the connection.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.write.Flush()
	c.client.Close()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}
