package auth

import (
	"fmt"

	"go.uber.org/zap"
)

// ResourceCapability names an action checked against a specific resource.
type ResourceCapability string

const (
	ResourceEditTask   ResourceCapability = "edit_task"
	ResourceDeleteTask ResourceCapability = "delete_task"
)

// Gate answers request-time authorization questions. The zero value is usable
// and denies everything that the capability table does not grant.
type Gate struct {
	logger  *zap.Logger
	metrics *GateMetrics
}

// GateOption configures Gate.
type GateOption func(*Gate)

// WithGateLogger logs denials at debug level.
func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateMetrics counts denials per capability.
func WithGateMetrics(m *GateMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(opts ...GateOption) *Gate {
	g := &Gate{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize reports whether actor holds capability c. Anonymous, inactive and
// role-less actors hold nothing.
func (g *Gate) Authorize(actor *Actor, c Capability) bool {
	ok := usable(actor) && RoleHas(actor.Role, c)
	if !ok {
		g.denied(actor, string(c))
	}
	return ok
}

// AuthorizeResource evaluates a per-resource predicate for actor.
func (g *Gate) AuthorizeResource(actor *Actor, c ResourceCapability, task Task) bool {
	ok := false
	if usable(actor) {
		switch c {
		case ResourceEditTask:
			ok = CanEditTask(task, actor)
		case ResourceDeleteTask:
			ok = CanDeleteTask(task, actor)
		}
	}
	if !ok {
		g.denied(actor, string(c))
	}
	return ok
}

// Require is Authorize returning ErrForbidden on denial.
func (g *Gate) Require(actor *Actor, c Capability) error {
	if !g.Authorize(actor, c) {
		return fmt.Errorf("%w: %s required", ErrForbidden, c)
	}
	return nil
}

func (g *Gate) denied(actor *Actor, capability string) {
	if g == nil {
		return
	}
	if g.metrics != nil {
		g.metrics.denied.WithLabelValues(capability).Inc()
	}
	if g.logger != nil {
		actorID := ""
		if actor != nil {
			actorID = actor.ID
		}
		g.logger.Debug("authorization denied",
			zap.String("actor_id", actorID),
			zap.String("capability", capability),
		)
	}
}

func usable(actor *Actor) bool {
	return actor != nil && actor.ID != "" && actor.Active && actor.Role.Valid()
}
