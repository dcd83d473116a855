package providers

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisProviderDisabled(t *testing.T) {
	if c := NewRedisProvider("  ", "x"); c != nil {
		t.Fatal("expected nil client for empty address")
	}
	if err := Ping(context.Background(), nil); err != nil {
		t.Fatalf("nil client ping: %v", err)
	}
}

func TestNewRedisProviderPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisProvider(mr.Addr(), "")
	if client == nil {
		t.Fatal("expected redis client")
	}
	defer client.Close()

	if err := Ping(context.Background(), client); err != nil {
		t.Fatalf("ping: %v", err)
	}

	mr.Close()
	if err := Ping(context.Background(), client); err == nil {
		t.Fatal("expected ping to fail after redis stopped")
	}
}
