// Package metrics counts decode/encode activity and pushes the counters
// into InfluxDB on a fixed interval, alongside an HTTP JSON snapshot.
package metrics

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
)

// Counters is the live counter set, safe for concurrent use.
type Counters struct {
	mu sync.Mutex

	MessagesDecoded  int64
	MessagesEncoded  int64
	SubsetsDecoded   int64
	DecodeFailures   int64
	BitmapMismatches int64
	BitsRead         int64
	BytesReceived    int64

	startTime time.Time
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{startTime: time.Now()}
}

// AddDecode records one successful decode of nSubsets subsets spanning
// bitsRead payload bits.
func (c *Counters) AddDecode(nSubsets, bitsRead int) {
	c.mu.Lock()
	c.MessagesDecoded++
	c.SubsetsDecoded += int64(nSubsets)
	c.BitsRead += int64(bitsRead)
	c.mu.Unlock()
}

// AddEncode records one successful encode.
func (c *Counters) AddEncode() {
	c.mu.Lock()
	c.MessagesEncoded++
	c.mu.Unlock()
}

// AddFailure records one decode failure; bitmapMismatch marks the
// BitmapMismatch kind separately since it usually indicates a
// miscoded upstream template rather than line noise.
func (c *Counters) AddFailure(bitmapMismatch bool) {
	c.mu.Lock()
	c.DecodeFailures++
	if bitmapMismatch {
		c.BitmapMismatches++
	}
	c.mu.Unlock()
}

// AddBytes records raw bytes received off the wire.
func (c *Counters) AddBytes(n int) {
	c.mu.Lock()
	c.BytesReceived += int64(n)
	c.mu.Unlock()
}

// Snapshot is the JSON/Influx view of the counters.
type Snapshot struct {
	MessagesDecoded  int64 `json:"messages_decoded"`
	MessagesEncoded  int64 `json:"messages_encoded"`
	SubsetsDecoded   int64 `json:"subsets_decoded"`
	DecodeFailures   int64 `json:"decode_failures"`
	BitmapMismatches int64 `json:"bitmap_mismatches"`
	BitsRead         int64 `json:"bits_read"`
	BytesReceived    int64 `json:"bytes_received"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

// Snapshot returns a point-in-time copy.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		MessagesDecoded:  c.MessagesDecoded,
		MessagesEncoded:  c.MessagesEncoded,
		SubsetsDecoded:   c.SubsetsDecoded,
		DecodeFailures:   c.DecodeFailures,
		BitmapMismatches: c.BitmapMismatches,
		BitsRead:         c.BitsRead,
		BytesReceived:    c.BytesReceived,
		UptimeSeconds:    int64(time.Since(c.startTime).Seconds()),
	}
}

// Handler serves the snapshot as JSON on GET /metrics.
func (c *Counters) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// Pusher writes snapshots to InfluxDB on a fixed interval.
type Pusher struct {
	influx   client.Client
	database string
	counters *Counters
}

// NewPusher connects to InfluxDB at host:port and ensures database exists.
func NewPusher(counters *Counters, host string, port int, database string) (*Pusher, error) {
	influxURL := fmt.Sprintf("http://%s:%d", host, port)
	influxClient, err := client.NewHTTPClient(client.HTTPConfig{Addr: influxURL})
	if err != nil {
		return nil, fmt.Errorf("creating influxdb client: %w", err)
	}

	q := client.NewQuery(fmt.Sprintf("CREATE DATABASE \"%s\"", database), "", "")
	resp, err := influxClient.Query(q)
	if err != nil {
		influxClient.Close()
		return nil, err
	}
	if resp.Error() != nil {
		influxClient.Close()
		return nil, resp.Error()
	}

	return &Pusher{influx: influxClient, database: database, counters: counters}, nil
}

// Run pushes a point every interval until the process exits. Run blocks;
// call it in a goroutine.
func (p *Pusher) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := p.push(); err != nil {
			log.Printf("Error writing metrics to InfluxDB: %v", err)
		}
	}
}

func (p *Pusher) push() error {
	s := p.counters.Snapshot()

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: p.database})
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"messages_decoded":  s.MessagesDecoded,
		"messages_encoded":  s.MessagesEncoded,
		"subsets_decoded":   s.SubsetsDecoded,
		"decode_failures":   s.DecodeFailures,
		"bitmap_mismatches": s.BitmapMismatches,
		"bits_read":         s.BitsRead,
		"bytes_received":    s.BytesReceived,
		"uptime_seconds":    s.UptimeSeconds,
	}
	pt, err := client.NewPoint("bufr", nil, fields, time.Now())
	if err != nil {
		return err
	}
	bp.AddPoint(pt)
	return p.influx.Write(bp)
}

// Close releases the InfluxDB connection.
func (p *Pusher) Close() error {
	return p.influx.Close()
}
