package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"teamboard.org/internal/ids"
)

// Log is the append-only audit service.
type Log struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures Log.
type Option func(*Log)

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e in its own transaction.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	var out Entry
	err := l.store.InTx(ctx, func(w Writer) error {
		var err error
		out, err = l.AppendTx(ctx, w, e)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// AppendTx records e through w, which is usually bound to the caller's
// transaction. ID, CreatedAt and the hash fields are assigned here.
func (l *Log) AppendTx(ctx context.Context, w Writer, e Entry) (Entry, error) {
	e, err := l.prepare(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	prev, err := w.LastHash(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("audit last hash: %w", err)
	}
	e.PrevHash = prev
	if e.Hash, err = ComputeHash(e); err != nil {
		return Entry{}, err
	}
	if err := w.Append(ctx, &e); err != nil {
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}

	if l.metrics != nil {
		l.metrics.entries.WithLabelValues(string(e.Action)).Inc()
	}
	l.logger.Info("audit entry appended",
		zap.String("audit_id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("actor_id", e.ActorID),
		zap.String("target_id", e.TargetID),
		zap.Any("request_id", e.Metadata["request_id"]),
	)
	return e, nil
}

func (l *Log) prepare(ctx context.Context, e Entry) (Entry, error) {
	if !e.Action.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, e.Action)
	}
	e.Description = strings.TrimSpace(e.Description)
	if e.Description == "" {
		return Entry{}, fmt.Errorf("%w: description is required", ErrInvalidEntry)
	}
	meta, err := normalizeMetadata(e.Metadata)
	if err != nil {
		return Entry{}, err
	}
	rm := RequestMetaFromContext(ctx)
	if rm.RequestID != "" {
		if _, ok := meta["request_id"]; !ok {
			meta["request_id"] = rm.RequestID
		}
	}
	if e.IPAddress == "" {
		e.IPAddress = rm.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = rm.UserAgent
	}
	// stores keep these trimmed, and the hash is taken over the stored form
	e.ActorID = strings.TrimSpace(e.ActorID)
	e.TargetID = strings.TrimSpace(e.TargetID)
	e.IPAddress = strings.TrimSpace(e.IPAddress)
	e.UserAgent = strings.TrimSpace(e.UserAgent)
	now := l.now().UTC()
	e.ID = ids.NewAt(now)
	// storage keeps microseconds, the hash must survive a round trip
	e.CreatedAt = now.Truncate(time.Microsecond)
	e.Metadata = meta
	e.PrevHash, e.Hash = "", ""
	return e, nil
}

// normalizeMetadata deep-copies m through JSON so the stored and hashed
// forms are identical.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(m) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata not encodable: %v", ErrInvalidEntry, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidEntry, err)
	}
	return out, nil
}

// Query returns entries matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	return l.store.Query(ctx, f)
}

// VerifyChain loads up to limit of the oldest entries and checks the chain.
func (l *Log) VerifyChain(ctx context.Context, limit int) (int, error) {
	entries, err := l.store.Chain(ctx, limit)
	if err != nil {
		return 0, err
	}
	if err := Verify(entries); err != nil {
		l.logger.Error("audit chain verification failed", zap.Error(err))
		return len(entries), err
	}
	return len(entries), nil
}
