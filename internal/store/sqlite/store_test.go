package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/gyaneshwarpardhi/pulsewire/internal/store/sqlite"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/storetest"
)

func openTemp(t *testing.T) storetest.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "pulsewire.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openTemp)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsewire.db")
	for i := 0; i < 2; i++ {
		s, err := sqlite.Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close #%d: %v", i+1, err)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlite.Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
