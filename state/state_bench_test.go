package state

import (
	"fmt"
	"path/filepath"
	"testing"
)

// BenchmarkFileTracker_MarkProcessed benchmarks ledger writes, one flushed line per id
func BenchmarkFileTracker_MarkProcessed(b *testing.B) {
	tracker, err := NewFileTracker(filepath.Join(b.TempDir(), LedgerPath("messages.json")), true)
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msgID := fmt.Sprintf("msg-%d", i)
		if err := tracker.MarkProcessed(msgID, Hash([]byte(msgID))); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkFileTracker_AlreadyProcessed benchmarks lookup performance
func BenchmarkFileTracker_AlreadyProcessed(b *testing.B) {
	tracker, err := NewFileTracker(filepath.Join(b.TempDir(), LedgerPath("messages.json")), false)
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	// Half of the lookups miss.
	for i := 0; i < 1000; i++ {
		if err := tracker.MarkProcessed(fmt.Sprintf("msg-%d", i), ""); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracker.AlreadyProcessed(fmt.Sprintf("msg-%d", i%2000))
	}
}

// BenchmarkFileTracker_Load benchmarks loading a ledger of 10000 entries
func BenchmarkFileTracker_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), LedgerPath("messages.json"))

	tracker, err := NewFileTracker(path, true)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		msgID := fmt.Sprintf("msg-%d", i)
		if err := tracker.MarkProcessed(msgID, Hash([]byte(msgID))); err != nil {
			b.Fatal(err)
		}
	}
	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker, err := NewFileTracker(path, false)
		if err != nil {
			b.Fatal(err)
		}
		tracker.Close()
	}
}

// BenchmarkMemoryTracker_MarkProcessed benchmarks the in-memory tracker for comparison
func BenchmarkMemoryTracker_MarkProcessed(b *testing.B) {
	tracker := NewMemoryTracker()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tracker.MarkProcessed(fmt.Sprintf("msg-%d", i), ""); err != nil {
			b.Fatal(err)
		}
	}
}
