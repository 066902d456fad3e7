package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 8}.withDefaults()
	if c.MaxIdleConns != 8 {
		t.Fatalf("expected idle conns to follow open conns, got %d", c.MaxIdleConns)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %v", c.PingTimeout)
	}
}

func TestLockKey_StableAndScoped(t *testing.T) {
	a := LockKey("call_logs", "CA1")
	if a != LockKey("call_logs", "CA1") {
		t.Fatalf("expected stable key")
	}
	if a == LockKey("call_logs", "CA2") {
		t.Fatalf("expected distinct keys for distinct calls")
	}
	if LockKey("a", "bc") == LockKey("ab", "c") {
		t.Fatalf("expected scope separator to disambiguate")
	}
}
