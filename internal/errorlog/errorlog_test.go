package errorlog

import (
	"path/filepath"
	"testing"
	"time"
)

// Scenario 5: ring-buffer eviction — 510 entries in, 500 retained,
// newest at index 0.
func TestRingBufferEviction(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "error_logs.json"))
	base := time.Now()
	for i := 0; i < 510; i++ {
		s.Add(Entry{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			AccountName: "a",
			StatusCode:  500,
			ErrorType:   ErrorTypeOther,
			Message:     "boom",
		})
	}

	entries := s.List()
	if len(entries) != MaxEntries {
		t.Fatalf("expected %d entries, got %d", MaxEntries, len(entries))
	}
	// The most recently added (i=509) must be newest-first at index 0.
	if !entries[0].Timestamp.Equal(base.Add(509 * time.Second)) {
		t.Fatalf("expected newest entry first, got %v", entries[0].Timestamp)
	}
	// Oldest surviving entry should be i=10 (0..9 evicted).
	if !entries[len(entries)-1].Timestamp.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("expected oldest surviving entry at i=10, got %v", entries[len(entries)-1].Timestamp)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error_logs.json")
	s := New(path)
	s.Add(Entry{Timestamp: time.Now(), AccountName: "a", StatusCode: 400, ErrorType: ErrorType400, Message: "bad"})

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.List()) != 1 {
		t.Fatalf("expected 1 entry after reload, got %d", len(loaded.List()))
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty store for missing file")
	}
}

func TestClear(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "error_logs.json"))
	s.Add(Entry{Timestamp: time.Now(), AccountName: "a", StatusCode: 429, ErrorType: ErrorType429, Message: "slow down"})
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty after Clear")
	}
}

func TestTruncateRequestBody(t *testing.T) {
	small := []byte("hello")
	if got := TruncateRequestBody(small); got != "hello" {
		t.Fatalf("expected unchanged small body, got %q", got)
	}
	big := make([]byte, requestBodyTruncateLimit+100)
	for i := range big {
		big[i] = 'x'
	}
	got := TruncateRequestBody(big)
	if len(got) <= requestBodyTruncateLimit {
		t.Fatal("expected truncated marker appended beyond limit")
	}
}
