package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/gyaneshwarpardhi/pulsewire/internal/store/postgres"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/storetest"
)

// Set PULSEWIRE_TEST_POSTGRES_DSN to a disposable database to run these.
func openFromEnv(t *testing.T) storetest.Store {
	t.Helper()
	dsn := os.Getenv("PULSEWIRE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PULSEWIRE_TEST_POSTGRES_DSN not set")
	}
	s, err := postgres.Connect(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Truncate(context.Background()); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openFromEnv)
}

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := postgres.Connect(" ", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
