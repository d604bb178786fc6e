package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent-swarm-db.sqlite")
	store, err := persistence.Open(dbPath, bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func registerTestAgent(t *testing.T, store *persistence.Store, name string, isLead bool) *persistence.Agent {
	t.Helper()
	agent, _, err := store.RegisterAgent(context.Background(), "", name, isLead, 1, persistence.AgentProfile{})
	if err != nil {
		t.Fatalf("register agent %s: %v", name, err)
	}
	return agent
}

func createTestTask(t *testing.T, store *persistence.Store, nt persistence.NewTask) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), nt)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}
