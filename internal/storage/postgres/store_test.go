package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestNewStoreRequiresDSN(t *testing.T) {
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("postgres://guard:s3cret@db:5432/swapguard?sslmode=disable")
	if strings.Contains(got, "s3cret") {
		t.Fatalf("password leaked: %s", got)
	}
	if !strings.Contains(got, "guard:xxxxx@db:5432") {
		t.Fatalf("unexpected redaction: %s", got)
	}
	if RedactDSN("host=db user=guard") != "host=db user=guard" {
		t.Fatalf("keyword dsn should pass through")
	}
}
