package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()
	c.AddDecode(4, 1024)
	c.AddDecode(1, 96)
	c.AddEncode()
	c.AddFailure(true)
	c.AddFailure(false)
	c.AddBytes(512)

	s := c.Snapshot()
	if s.MessagesDecoded != 2 || s.SubsetsDecoded != 5 || s.BitsRead != 1120 {
		t.Fatalf("decode counters = %+v", s)
	}
	if s.MessagesEncoded != 1 {
		t.Fatalf("encode counter = %d", s.MessagesEncoded)
	}
	if s.DecodeFailures != 2 || s.BitmapMismatches != 1 {
		t.Fatalf("failure counters = %+v", s)
	}
	if s.BytesReceived != 512 {
		t.Fatalf("bytes = %d", s.BytesReceived)
	}
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.AddDecode(1, 8)
			}
		}()
	}
	wg.Wait()
	if s := c.Snapshot(); s.MessagesDecoded != 1000 {
		t.Fatalf("MessagesDecoded = %d", s.MessagesDecoded)
	}
}

func TestHandler(t *testing.T) {
	c := NewCounters()
	c.AddDecode(2, 64)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	var s Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.MessagesDecoded != 1 || s.SubsetsDecoded != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
}
