package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvfeed_source_fetch_total",
		Help: "Source feed downloads by result",
	}, []string{"result"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvfeed_source_fetch_duration_seconds",
		Help:    "Duration of source feed downloads",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms up to ~25s
	})
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "tvfeed/1.0"
	maxPayloadSize   = 16 << 20
)

// ErrUnavailable covers every reason the source could not be downloaded this cycle
var ErrUnavailable = errors.New("source unavailable")

// Fetcher downloads a raw source payload
type Fetcher interface {
	Fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error)
}

// HTTPFetcher downloads sources over HTTP with a bounded timeout
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}

	return &HTTPFetcher{
		client:    &http.Client{Transport: transport, Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch maps every transport failure to ErrUnavailable
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	start := time.Now()
	body, err := f.fetch(ctx, uri, headers)
	fetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{
			"uri":   uri,
			"error": err,
		}).Warn("Source fetch failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fetchTotal.WithLabelValues("ok").Inc()
	return body, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
}
