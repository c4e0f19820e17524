package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

const (
	remoteWriteTimeout  = 30 * time.Second
	defaultPushInterval = 30 * time.Second
	defaultTenantHeader = "X-Scope-OrgID"
)

// StartRemoteWrite pushes the registry to the configured endpoint until
// the context ends. No URL means pushing is off; the /metrics scrape
// endpoint works either way.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c.cfg.RemoteWriteURL == "" {
		c.logger.Info("metrics remote write disabled")
		return
	}

	interval := c.cfg.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	c.logger.Info("metrics remote write started",
		zap.String("url", c.cfg.RemoteWriteURL),
		zap.Duration("interval", interval))

	client := &http.Client{Timeout: remoteWriteTimeout}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.push(ctx, client); err != nil {
				c.logger.Warn("metrics push failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) push(ctx context.Context, client *http.Client) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	series := familiesToSeries(mfs, time.Now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{Timeseries: series}
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RemoteWriteURL, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if c.cfg.Tenant != "" {
		header := c.cfg.TenantHeader
		if header == "" {
			header = defaultTenantHeader
		}
		httpReq.Header.Set(header, c.cfg.Tenant)
	}
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write: %s", resp.Status)
	}
	return nil
}

// familiesToSeries flattens gathered families into remote write series.
// Histograms expand into their _bucket, _sum and _count series, and
// every label set is sorted the way the protocol requires.
func familiesToSeries(mfs []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries

	for _, mf := range mfs {
		name := mf.GetName()
		for _, m := range mf.Metric {
			base := make([]prompb.Label, 0, len(m.Label)+2)
			for _, l := range m.Label {
				base = append(base, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, newSeries(name, base, m.Counter.GetValue(), ts))

			case dto.MetricType_GAUGE:
				out = append(out, newSeries(name, base, m.Gauge.GetValue(), ts))

			case dto.MetricType_HISTOGRAM:
				h := m.Histogram
				for _, b := range h.Bucket {
					if math.IsInf(b.GetUpperBound(), 1) {
						continue
					}
					le := prompb.Label{Name: "le", Value: fmt.Sprintf("%g", b.GetUpperBound())}
					out = append(out, newSeries(name+"_bucket",
						append(cloneLabels(base), le),
						float64(b.GetCumulativeCount()), ts))
				}
				out = append(out, newSeries(name+"_bucket",
					append(cloneLabels(base), prompb.Label{Name: "le", Value: "+Inf"}),
					float64(h.GetSampleCount()), ts))
				out = append(out, newSeries(name+"_sum", cloneLabels(base), h.GetSampleSum(), ts))
				out = append(out, newSeries(name+"_count", cloneLabels(base), float64(h.GetSampleCount()), ts))
			}
		}
	}
	return out
}

func newSeries(name string, labels []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

func cloneLabels(labels []prompb.Label) []prompb.Label {
	out := make([]prompb.Label, len(labels))
	copy(out, labels)
	return out
}
