// Package timeseries is a small key-package abstraction for interval
// metrics: named series are registered once, set per interval, and
// flushed to a sink as (key, value, timestamp) triples.
package timeseries

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Point is one flushed sample.
type Point struct {
	Key   string
	Value uint64
	Time  uint32
}

// Sink receives the points of one flush.
type Sink interface {
	Write(points []Point) error
}

// KP is a key package: a set of named series flushed together.
type KP struct {
	sink Sink
	idx  map[string]int
	keys []string
	vals []uint64
}

// NewKP creates an empty key package writing to sink.
func NewKP(sink Sink) *KP {
	return &KP{sink: sink, idx: make(map[string]int)}
}

// AddKey registers a series and returns its index. Registering an
// existing key returns the existing index.
func (kp *KP) AddKey(key string) int {
	if i, ok := kp.idx[key]; ok {
		return i
	}
	i := len(kp.keys)
	kp.idx[key] = i
	kp.keys = append(kp.keys, key)
	kp.vals = append(kp.vals, 0)
	return i
}

// Set stores the current value of a series.
func (kp *KP) Set(idx int, value uint64) {
	kp.vals[idx] = value
}

// Get returns the current value of a series.
func (kp *KP) Get(idx int) uint64 {
	return kp.vals[idx]
}

// Size returns the number of registered series.
func (kp *KP) Size() int { return len(kp.keys) }

// Flush writes every series with the given timestamp.
func (kp *KP) Flush(ts uint32) error {
	if len(kp.keys) == 0 {
		return nil
	}
	points := make([]Point, len(kp.keys))
	for i, k := range kp.keys {
		points[i] = Point{Key: k, Value: kp.vals[i], Time: ts}
	}
	return kp.sink.Write(points)
}

// GraphiteSafe rewrites a string so it can be embedded as one graphite
// path component: '.' and '*' become '-'.
func GraphiteSafe(s string) string {
	if !strings.ContainsAny(s, ".*") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*':
			b.WriteByte('-')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// LogSink writes points to a zap logger at debug level. It is the
// default sink when no carbon endpoint is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Write(points []Point) error {
	for _, p := range points {
		s.Logger.Debug("metric",
			zap.String("key", p.Key),
			zap.Uint64("value", p.Value),
			zap.Uint32("ts", p.Time),
		)
	}
	return nil
}

// CarbonSink writes points to a carbon/graphite plaintext endpoint,
// reconnecting on demand. Write failures drop the batch; interval
// metrics are best-effort.
type CarbonSink struct {
	Addr    string
	Timeout time.Duration

	conn net.Conn
}

func (s *CarbonSink) Write(points []Point) error {
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.Addr, s.timeout())
		if err != nil {
			return fmt.Errorf("timeseries: dial carbon %s: %w", s.Addr, err)
		}
		s.conn = conn
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout())); err != nil {
		s.reset()
		return fmt.Errorf("timeseries: carbon deadline: %w", err)
	}
	w := bufio.NewWriter(s.conn)
	for _, p := range points {
		if _, err := fmt.Fprintf(w, "%s %d %d\n", p.Key, p.Value, p.Time); err != nil {
			s.reset()
			return fmt.Errorf("timeseries: carbon write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		s.reset()
		return fmt.Errorf("timeseries: carbon flush: %w", err)
	}
	return nil
}

func (s *CarbonSink) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 5 * time.Second
	}
	return s.Timeout
}

func (s *CarbonSink) reset() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close tears down the carbon connection if one is open.
func (s *CarbonSink) Close() {
	s.reset()
}
