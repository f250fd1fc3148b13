package main

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Rorqualx/browsergrid/internal/config"
	"github.com/Rorqualx/browsergrid/internal/store"
)

func storeConfig() *config.Config {
	return &config.Config{
		SessionStoreType:         "memory",
		SessionSweepInterval:     time.Minute,
		MaxSessions:              10,
		RedisMaxRetries:          1,
		SessionReplicationPolicy: "last_write_wins",
	}
}

func TestBuildStoreWithoutReplicas(t *testing.T) {
	s, err := buildStore(storeConfig())
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, ok := s.(*store.Replicator); ok {
		t.Fatal("replication should be off without replica URLs")
	}
}

func TestBuildStoreWiresReplication(t *testing.T) {
	replica := miniredis.RunT(t)

	cfg := storeConfig()
	cfg.SessionReplicaURLs = []string{"redis://" + replica.Addr()}

	s, err := buildStore(cfg)
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	rep, ok := s.(*store.Replicator)
	if !ok {
		t.Fatalf("store = %T, want *store.Replicator", s)
	}
	status := rep.Status()
	if len(status) != 1 || status[0].Degraded {
		t.Fatalf("replica status = %+v", status)
	}
}

func TestBuildStoreReplicaConnectFailure(t *testing.T) {
	cfg := storeConfig()
	cfg.SessionReplicaURLs = []string{"redis://127.0.0.1:1"}

	if _, err := buildStore(cfg); err == nil {
		t.Fatal("expected error for unreachable replica")
	}
}
