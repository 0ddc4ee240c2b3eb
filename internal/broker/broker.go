// Package broker implements the HTTP/JSON client for the dump broker:
// it enumerates available dump files for a set of collectors and time
// intervals, following the broker's continuation parameters so
// repeated polls only surface new files.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DumpFile describes one dump the broker knows about.
type DumpFile struct {
	URL         string `json:"url"`
	URLType     string `json:"urlType"`
	Project     string `json:"project"`
	Collector   string `json:"collector"`
	Type        string `json:"type"` // "ribs" or "updates"
	InitialTime uint32 `json:"initialTime"`
	Duration    uint32 `json:"duration"`
}

// response is the broker's envelope.
type response struct {
	Time            uint32          `json:"time"`
	Type            string          `json:"type"`
	Error           *string         `json:"error"`
	QueryParameters json.RawMessage `json:"queryParameters"`
	Data            struct {
		DumpFiles []DumpFile `json:"dumpFiles"`
	} `json:"data"`
}

// Interval restricts the query to dumps overlapping [Start, End].
type Interval struct {
	Start uint32
	End   uint32
}

// Options configures a Client.
type Options struct {
	// URL of the broker's data endpoint.
	URL        string
	Projects   []string
	Collectors []string
	// Types restricts to "ribs" and/or "updates"; empty means both.
	Types      []string
	Intervals  []Interval
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client pages through the broker's dump catalog.
type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger

	// continuation state from the previous poll
	lastResponseTime uint32
	windowEnd        uint32
}

// New creates a broker client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker: url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("broker: invalid url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Second
	}
	return &Client{opts: opts, http: hc, logger: logger}, nil
}

// buildQuery assembles the request URL for the next poll.
func (c *Client) buildQuery() string {
	q := url.Values{}
	for _, p := range c.opts.Projects {
		q.Add("projects[]", p)
	}
	for _, col := range c.opts.Collectors {
		q.Add("collectors[]", col)
	}
	for _, t := range c.opts.Types {
		q.Add("types[]", t)
	}
	for _, iv := range c.opts.Intervals {
		q.Add("intervals[]", fmt.Sprintf("%d,%d", iv.Start, iv.End))
	}
	if c.lastResponseTime != 0 {
		q.Add("dataAddedSince", strconv.FormatUint(uint64(c.lastResponseTime), 10))
	}
	if c.windowEnd != 0 {
		q.Add("minInitialTime", strconv.FormatUint(uint64(c.windowEnd), 10))
	}
	if len(q) == 0 {
		return c.opts.URL
	}
	return c.opts.URL + "?" + q.Encode()
}

// Poll asks the broker for dump files not yet seen, retrying transient
// failures with backoff.
func (c *Client) Poll(ctx context.Context) ([]DumpFile, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("broker request failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", c.opts.Backoff),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.Backoff):
			}
		}

		files, err := c.pollOnce(ctx)
		if err == nil {
			return files, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("broker: giving up after %d attempts: %w",
		c.opts.MaxRetries+1, lastErr)
}

func (c *Client) pollOnce(ctx context.Context) ([]DumpFile, error) {
	reqURL := c.buildQuery()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: unexpected status %s", resp.Status)
	}

	var env response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("broker: decode response: %w", err)
	}
	if env.Error != nil && *env.Error != "" {
		return nil, fmt.Errorf("broker: server error: %s", *env.Error)
	}
	if env.Type != "data" {
		return nil, fmt.Errorf("broker: unexpected response type %q", env.Type)
	}
	if env.Time == 0 {
		return nil, fmt.Errorf("broker: response missing time")
	}

	files := make([]DumpFile, 0, len(env.Data.DumpFiles))
	for _, f := range env.Data.DumpFiles {
		if f.URLType != "" && f.URLType != "simple" {
			c.logger.Warn("skipping dump with unsupported url type",
				zap.String("url_type", f.URLType),
				zap.String("collector", f.Collector),
			)
			continue
		}
		if f.URL == "" || f.Collector == "" || f.Type == "" {
			return nil, fmt.Errorf("broker: invalid dump file record")
		}
		if end := f.InitialTime + f.Duration; end > c.windowEnd {
			c.windowEnd = end
		}
		files = append(files, f)
	}

	c.lastResponseTime = env.Time
	c.logger.Debug("broker poll complete",
		zap.Int("dump_files", len(files)),
		zap.Uint32("window_end", c.windowEnd),
	)
	return files, nil
}
