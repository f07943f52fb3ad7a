package auth

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGateFailsClosed(t *testing.T) {
	g := NewGate()
	cases := []struct {
		name  string
		actor *Actor
	}{
		{"nil", nil},
		{"inactive admin", &Actor{ID: "a1", Role: RoleAdmin, Active: false}},
		{"empty role", &Actor{ID: "a1", Active: true}},
		{"unknown role", &Actor{ID: "a1", Role: "ROOT", Active: true}},
		{"missing id", &Actor{Role: RoleAdmin, Active: true}},
	}
	for _, tc := range cases {
		if g.Authorize(tc.actor, CapManageUsers) {
			t.Fatalf("%s: expected denial", tc.name)
		}
		if g.AuthorizeResource(tc.actor, ResourceEditTask, Task{ID: "t", AssigneeID: "a1"}) {
			t.Fatalf("%s: expected resource denial", tc.name)
		}
	}
}

func TestGateRequire(t *testing.T) {
	g := NewGate()
	admin := &Actor{ID: "a1", Role: RoleAdmin, Active: true}
	manager := &Actor{ID: "g1", Role: RoleManager, Active: true}

	if err := g.Require(admin, CapManageUsers); err != nil {
		t.Fatalf("admin Require: %v", err)
	}
	if err := g.Require(manager, CapManageUsers); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := g.Require(manager, CapAssignTasks); err != nil {
		t.Fatalf("manager assign: %v", err)
	}
}

func TestGateResourceChecks(t *testing.T) {
	g := NewGate()
	member := &Actor{ID: "m1", Role: RoleMember, Active: true}
	task := Task{ID: "t1", AssigneeID: "m1"}

	if !g.AuthorizeResource(member, ResourceEditTask, task) {
		t.Fatalf("assignee should edit own task")
	}
	if g.AuthorizeResource(member, ResourceDeleteTask, task) {
		t.Fatalf("member must not delete")
	}
	if g.AuthorizeResource(member, ResourceCapability("archive_task"), task) {
		t.Fatalf("unknown resource capability must be denied")
	}
}

func TestGateRecordsDenials(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewGateMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := NewGate(WithGateLogger(zap.New(core)), WithGateMetrics(metrics))

	member := &Actor{ID: "m1", Role: RoleMember, Active: true}
	g.Authorize(member, CapManageUsers)
	g.Authorize(member, CapManageUsers)
	g.Authorize(&Actor{ID: "a1", Role: RoleAdmin, Active: true}, CapManageUsers)

	if got := testutil.ToFloat64(metrics.denied.WithLabelValues(string(CapManageUsers))); got != 2 {
		t.Fatalf("expected 2 denials, got %v", got)
	}
	entries := logs.FilterMessage("authorization denied").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 denial log lines, got %d", len(entries))
	}
	if entries[0].ContextMap()["actor_id"] != "m1" {
		t.Fatalf("unexpected log context: %v", entries[0].ContextMap())
	}
}
