package reset_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/notify"
	"teamboard.org/internal/reset"
	"teamboard.org/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) kinds(kind notify.Kind) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func fastHash(p string) (string, error) { return "hash:" + p, nil }

type fixture struct {
	db       *memory.DB
	log      *audit.Log
	svc      *reset.Service
	clock    *testClock
	notifier *recordingNotifier
	metrics  *reset.Metrics
	admin    *auth.Actor
	manager  *auth.Actor
	user     *auth.Actor
}

func newFixture(t *testing.T, opts ...reset.Option) *fixture {
	t.Helper()
	f := &fixture{
		db:       memory.New(),
		clock:    &testClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		metrics:  reset.NewMetrics(),
	}
	if err := f.metrics.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	var err error
	if f.admin, err = f.db.PutUser(auth.Actor{Email: "admin@x.com", Role: auth.RoleAdmin, Active: true}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if _, err = f.db.PutUser(auth.Actor{Email: "retired@x.com", Role: auth.RoleAdmin, Active: false}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if f.manager, err = f.db.PutUser(auth.Actor{Email: "boss@x.com", Role: auth.RoleManager, Active: true}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if f.user, err = f.db.PutUser(auth.Actor{Email: "a@x.com", Role: auth.RoleMember, Active: true, PasswordHash: "hash:old"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	f.log = audit.NewLog(f.db.AuditLog(), audit.WithClock(f.clock.Now))
	base := []reset.Option{
		reset.WithClock(f.clock.Now),
		reset.WithHasher(fastHash),
		reset.WithMetrics(f.metrics),
	}
	f.svc = reset.NewService(f.db.Resets(), f.db, f.log, f.notifier, append(base, opts...)...)
	return f
}

func (f *fixture) auditEntries(t *testing.T, flt audit.Filter) []audit.Entry {
	t.Helper()
	entries, err := f.log.Query(context.Background(), flt)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return entries
}

func (f *fixture) request(t *testing.T, id string) *reset.Request {
	t.Helper()
	r, err := f.db.Resets().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return r
}

func TestScenarioRequestApproveConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.RequestReset(ctx, "a@x.com", "lost my phone")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if receipt.Status != reset.StatusPending || receipt.Duplicate {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if got := len(f.notifier.kinds(notify.KindResetRequested)); got != 1 {
		t.Fatalf("expected the single active admin to be notified, got %d", got)
	}
	requested := f.auditEntries(t, audit.Filter{Action: audit.ActionOther, TargetID: f.user.ID})
	if len(requested) != 1 || !requested[0].System() {
		t.Fatalf("expected one system OTHER entry for the user, got %+v", requested)
	}

	f.clock.Advance(time.Hour)
	decision, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "verified by phone")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if decision.Token == "" || decision.Request.Status != reset.StatusApproved {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.Request.ApproverID != f.admin.ID || decision.Request.ApprovedAt == nil {
		t.Fatalf("approver fields not set: %+v", decision.Request)
	}

	if err := f.svc.Confirm(ctx, decision.Token, "NewPass1!", "NewPass1!"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	r := f.request(t, receipt.RequestID)
	if r.Status != reset.StatusCompleted || r.CompletedAt == nil {
		t.Fatalf("expected COMPLETED, got %+v", r)
	}
	u, err := f.db.FindByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.PasswordHash != "hash:NewPass1!" {
		t.Fatalf("credential not updated: %q", u.PasswordHash)
	}
	done := f.auditEntries(t, audit.Filter{Action: audit.ActionResetPassword, TargetID: f.user.ID})
	if len(done) != 1 || done[0].ActorID != f.admin.ID {
		t.Fatalf("expected RESET_PASSWORD by approver, got %+v", done)
	}
	if _, err := f.log.VerifyChain(ctx, 0); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	if err := f.svc.Confirm(ctx, decision.Token, "Another1!", "Another1!"); !errors.Is(err, reset.ErrConflict) {
		t.Fatalf("reused token should conflict, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.Transitions(reset.StatusApproved, reset.StatusCompleted)); got != 1 {
		t.Fatalf("expected one completion transition, got %v", got)
	}
}

func TestScenarioDuplicateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.svc.RequestReset(ctx, " A@X.com ", "again")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if second.RequestID != first.RequestID || !second.CreatedAt.Equal(first.CreatedAt) || !second.Duplicate {
		t.Fatalf("expected the same pending request, got %+v vs %+v", first, second)
	}
	list, err := f.svc.List(ctx, f.admin, reset.ListFilter{UserID: f.user.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one stored request, got %d", len(list))
	}
	if n := len(f.auditEntries(t, audit.Filter{TargetID: f.user.ID})); n != 1 {
		t.Fatalf("duplicate must not be audited again, got %d entries", n)
	}
}

func TestScenarioApproveThenReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if _, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.svc.Reject(ctx, f.admin, receipt.RequestID, "changed my mind"); !errors.Is(err, reset.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusApproved {
		t.Fatalf("status changed to %s", r.Status)
	}
	if n := len(f.auditEntries(t, audit.Filter{Action: audit.ActionRejectReset})); n != 0 {
		t.Fatalf("failed reject was audited")
	}
}

func TestScenarioUnknownEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := len(f.auditEntries(t, audit.Filter{}))

	receipt, err := f.svc.RequestReset(ctx, "ghost@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if receipt.RequestID == "" || receipt.Status != reset.StatusPending {
		t.Fatalf("unknown account must get a success-shaped receipt, got %+v", receipt)
	}
	list, err := f.svc.List(ctx, f.admin, reset.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("no request may be stored, got %d", len(list))
	}
	if after := len(f.auditEntries(t, audit.Filter{})); after != before {
		t.Fatalf("unknown email was audited")
	}
	view, err := f.svc.CheckStatus(ctx, receipt.RequestID)
	if err != nil {
		t.Fatalf("CheckStatus on decoy: %v", err)
	}
	if view.Status != reset.StatusPending || !view.CreatedAt.Equal(receipt.CreatedAt) {
		t.Fatalf("decoy must read back as pending, got %+v", view)
	}
	if len(f.notifier.kinds(notify.KindResetRequested)) != 0 {
		t.Fatalf("admins notified for unknown email")
	}
}

func TestInactiveUserGetsGenericReceipt(t *testing.T) {
	f := newFixture(t)
	if _, err := f.db.PutUser(auth.Actor{Email: "gone@x.com", Role: auth.RoleMember}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if _, err := f.svc.RequestReset(context.Background(), "gone@x.com", ""); err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	list, _ := f.svc.List(context.Background(), f.admin, reset.ListFilter{})
	if len(list) != 0 {
		t.Fatalf("inactive user must not get a request")
	}
}

func TestRequestResetValidation(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"", "   ", "not-an-email", "a@x.com <b@y.com>"} {
		if _, err := f.svc.RequestReset(context.Background(), email, ""); !errors.Is(err, reset.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", email, err)
		}
	}
}

func TestConfirmUnknownTokenMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")
	if _, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	before := len(f.auditEntries(t, audit.Filter{}))

	if err := f.svc.Confirm(ctx, "no-such-token", "NewPass1!", "NewPass1!"); !errors.Is(err, reset.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if after := len(f.auditEntries(t, audit.Filter{})); after != before {
		t.Fatalf("unknown token produced an audit entry")
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusApproved {
		t.Fatalf("request mutated: %s", r.Status)
	}
}

func TestConfirmExpiredThenConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")
	d, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.clock.Advance(reset.DefaultTTL + time.Second)

	if err := f.svc.Confirm(ctx, d.Token, "NewPass1!", "NewPass1!"); !errors.Is(err, reset.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", r.Status)
	}
	if err := f.svc.Confirm(ctx, d.Token, "NewPass1!", "NewPass1!"); !errors.Is(err, reset.ErrConflict) {
		t.Fatalf("second attempt should conflict, got %v", err)
	}
	u, _ := f.db.FindByID(ctx, f.user.ID)
	if u.PasswordHash != "hash:old" {
		t.Fatalf("expired token changed the credential")
	}
}

func TestCheckStatusDoesNotExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")
	if _, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "call me"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.clock.Advance(48 * time.Hour)
	view, err := f.svc.CheckStatus(ctx, receipt.RequestID)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if view.Status != reset.StatusApproved || view.AdminNotes != "call me" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestCheckStatusWithholdsNotesWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")
	view, err := f.svc.CheckStatus(ctx, receipt.RequestID)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if view.Status != reset.StatusPending || view.ApprovedAt != nil || view.AdminNotes != "" {
		t.Fatalf("unexpected pending view: %+v", view)
	}
	for _, id := range []string{"", "garbage", "6fa459ea-ee8a-3ca4-894e-db77e160355e"} {
		if _, err := f.svc.CheckStatus(ctx, id); !errors.Is(err, reset.ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestExpiryAnchors(t *testing.T) {
	cases := []struct {
		anchor reset.ExpiryAnchor
		want   error
	}{
		{reset.AnchorApproval, nil},
		{reset.AnchorCreation, reset.ErrExpired},
	}
	for _, tc := range cases {
		f := newFixture(t, reset.WithExpiryAnchor(tc.anchor))
		ctx := context.Background()
		receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")
		f.clock.Advance(23 * time.Hour)
		d, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "")
		if err != nil {
			t.Fatalf("%s: Approve: %v", tc.anchor, err)
		}
		f.clock.Advance(2 * time.Hour)
		err = f.svc.Confirm(ctx, d.Token, "NewPass1!", "NewPass1!")
		if tc.want == nil && err != nil {
			t.Fatalf("%s: Confirm: %v", tc.anchor, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.anchor, tc.want, err)
		}
	}
}

func TestConfirmValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct{ token, pw, confirm string }{
		{"", "NewPass1!", "NewPass1!"},
		{"tok", "short", "short"},
		{"tok", "NewPass1!", "NewPass2!"},
	}
	for _, tc := range cases {
		if err := f.svc.Confirm(context.Background(), tc.token, tc.pw, tc.confirm); !errors.Is(err, reset.ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", tc, err)
		}
	}
}

func TestApproveRequiresManageUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, _ := f.svc.RequestReset(ctx, "a@x.com", "")

	inactive := *f.admin
	inactive.Active = false
	for name, actor := range map[string]*auth.Actor{
		"manager":        f.manager,
		"member":         f.user,
		"nil":            nil,
		"inactive admin": &inactive,
	} {
		if _, err := f.svc.Approve(ctx, actor, receipt.RequestID, ""); !errors.Is(err, auth.ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", name, err)
		}
		if _, err := f.svc.Reject(ctx, actor, receipt.RequestID, ""); !errors.Is(err, auth.ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden on reject, got %v", name, err)
		}
	}
	if _, err := f.svc.List(ctx, f.manager, reset.ListFilter{}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("manager list: expected ErrForbidden, got %v", err)
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusPending {
		t.Fatalf("denied call mutated request: %s", r.Status)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Approve(context.Background(), f.admin, "6fa459ea-ee8a-3ca4-894e-db77e160355e", ""); !errors.Is(err, reset.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		u, err := f.db.PutUser(auth.Actor{Email: fmt.Sprintf("u%d@x.com", i), Role: auth.RoleMember, Active: true})
		if err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		receipt, err := f.svc.RequestReset(ctx, u.Email, "")
		if err != nil {
			t.Fatalf("RequestReset: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.svc.Approve(ctx, f.admin, receipt.RequestID, "")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.svc.Reject(ctx, f.admin, receipt.RequestID, "")
		}()
		wg.Wait()

		ok, conflict := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, reset.ErrConflict):
				conflict++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || conflict != 1 {
			t.Fatalf("expected exactly one winner, got ok=%d conflict=%d", ok, conflict)
		}
		decisions := f.auditEntries(t, audit.Filter{TargetID: u.ID})
		if len(decisions) != 2 { // request + one decision
			t.Fatalf("expected 2 audit entries for %s, got %d", u.Email, len(decisions))
		}
	}
}

func TestConcurrentRequestResetDedups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.RequestReset(ctx, "a@x.com", "")
			if err != nil {
				t.Errorf("RequestReset: %v", err)
				return
			}
			ids[i] = r.RequestID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent requests returned different ids: %v", ids)
		}
	}
	list, _ := f.svc.List(ctx, f.admin, reset.ListFilter{Status: reset.StatusPending})
	if len(list) != 1 {
		t.Fatalf("expected exactly one pending request, got %d", len(list))
	}
}

func TestTokenCollisionRetries(t *testing.T) {
	var mu sync.Mutex
	queue := []string{"dup", "dup", "dup", "fresh"}
	gen := reset.TokenFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return tok, nil
	})
	f := newFixture(t, reset.WithTokens(gen))
	ctx := context.Background()
	other, _ := f.db.PutUser(auth.Actor{Email: "b@x.com", Role: auth.RoleMember, Active: true})

	first, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	second, err := f.svc.RequestReset(ctx, other.Email, "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	d1, _ := f.svc.Approve(ctx, f.admin, first.RequestID, "")
	d2, _ := f.svc.Approve(ctx, f.admin, second.RequestID, "")
	if d1.Token != "dup" || d2.Token != "fresh" {
		t.Fatalf("unexpected tokens %q %q", d1.Token, d2.Token)
	}
}

func TestTokenCollisionGivesUp(t *testing.T) {
	f := newFixture(t, reset.WithTokens(reset.TokenFunc(func() (string, error) { return "same", nil })))
	ctx := context.Background()
	if _, err := f.svc.RequestReset(ctx, "a@x.com", ""); err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	other, _ := f.db.PutUser(auth.Actor{Email: "b@x.com", Role: auth.RoleMember, Active: true})
	if _, err := f.svc.RequestReset(ctx, other.Email, ""); !errors.Is(err, reset.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestCancelledContextRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := reset.TokenFunc(func() (string, error) {
		cancel()
		return "tok-cancelled", nil
	})
	f := newFixture(t, reset.WithTokens(gen))
	if _, err := f.svc.RequestReset(ctx, "a@x.com", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	list, _ := f.svc.List(context.Background(), f.admin, reset.ListFilter{})
	if len(list) != 0 {
		t.Fatalf("cancelled transaction left a request behind")
	}
	if n := len(f.auditEntries(t, audit.Filter{})); n != 0 {
		t.Fatalf("cancelled transaction left %d audit entries", n)
	}
}

// brokenAudit wraps a store so every audit write fails.
type brokenAudit struct{ reset.Store }

func (b brokenAudit) InTx(ctx context.Context, fn func(reset.Tx) error) error {
	return b.Store.InTx(ctx, func(tx reset.Tx) error { return fn(brokenAuditTx{tx}) })
}

type brokenAuditTx struct{ reset.Tx }

func (brokenAuditTx) Audit() audit.Writer { return failingWriter{} }

type failingWriter struct{}

func (failingWriter) LastHash(context.Context) (string, error) { return "", nil }
func (failingWriter) Append(context.Context, *audit.Entry) error {
	return errors.New("disk full")
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	broken := reset.NewService(brokenAudit{f.db.Resets()}, f.db, f.log, nil,
		reset.WithClock(f.clock.Now), reset.WithHasher(fastHash))

	if _, err := broken.Approve(ctx, f.admin, receipt.RequestID, ""); !errors.Is(err, reset.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusPending {
		t.Fatalf("transition persisted without its audit entry: %s", r.Status)
	}

	d, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := broken.Confirm(ctx, d.Token, "NewPass1!", "NewPass1!"); !errors.Is(err, reset.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	u, _ := f.db.FindByID(ctx, f.user.ID)
	if u.PasswordHash != "hash:old" {
		t.Fatalf("credential changed without audit entry")
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusApproved {
		t.Fatalf("status changed without audit entry: %s", r.Status)
	}
}

func TestNotificationFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()
	receipt, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if _, err := f.svc.Reject(ctx, f.admin, receipt.RequestID, "not you"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	rejected := f.notifier.kinds(notify.KindResetRejected)
	if len(rejected) != 1 || rejected[0].RecipientEmail != "a@x.com" {
		t.Fatalf("requester not notified: %+v", rejected)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		u, _ := f.db.PutUser(auth.Actor{Email: fmt.Sprintf("l%d@x.com", i), Role: auth.RoleMember, Active: true})
		r, err := f.svc.RequestReset(ctx, u.Email, "")
		if err != nil {
			t.Fatalf("RequestReset: %v", err)
		}
		ids = append(ids, r.RequestID)
		f.clock.Advance(time.Minute)
	}
	if _, err := f.svc.Reject(ctx, f.admin, ids[1], ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	pending, err := f.svc.List(ctx, f.admin, reset.ListFilter{Status: reset.StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[2] || pending[1].ID != ids[0] {
		t.Fatalf("expected newest-first pending queue, got %v", pending)
	}
	if _, err := f.svc.List(ctx, f.admin, reset.ListFilter{Status: "LOST"}); !errors.Is(err, reset.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDecoyMatchesPendingRequestShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	observe := func(email string) (first, second reset.Receipt, view reset.StatusView) {
		t.Helper()
		var err error
		if first, err = f.svc.RequestReset(ctx, email, ""); err != nil {
			t.Fatalf("RequestReset(%s): %v", email, err)
		}
		f.clock.Advance(time.Hour)
		if second, err = f.svc.RequestReset(ctx, strings.ToUpper(email), ""); err != nil {
			t.Fatalf("RequestReset(%s): %v", email, err)
		}
		if view, err = f.svc.CheckStatus(ctx, first.RequestID); err != nil {
			t.Fatalf("CheckStatus(%s): %v", email, err)
		}
		return first, second, view
	}

	if _, err := f.db.PutUser(auth.Actor{Email: "gone@x.com", Role: auth.RoleMember}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	for _, email := range []string{"a@x.com", "ghost@x.com", "gone@x.com"} {
		first, second, view := observe(email)
		if second.RequestID != first.RequestID || !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("%s: repeat request changed the receipt: %+v then %+v", email, first, second)
		}
		if view.ID != first.RequestID || view.Status != reset.StatusPending || view.ApprovedAt != nil || view.AdminNotes != "" {
			t.Fatalf("%s: unexpected status view %+v", email, view)
		}
		if !view.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("%s: status created_at %v, receipt %v", email, view.CreatedAt, first.CreatedAt)
		}
	}

	list, _ := f.svc.List(ctx, f.admin, reset.ListFilter{})
	if len(list) != 1 || list[0].UserID != f.user.ID {
		t.Fatalf("decoys must not enter the admin queue: %v", list)
	}
	if _, err := f.svc.Approve(ctx, f.admin, mustDecoyID(t, f, "ghost@x.com"), ""); !errors.Is(err, reset.ErrNotFound) {
		t.Fatalf("decoy must not be approvable, got %v", err)
	}
}

func mustDecoyID(t *testing.T, f *fixture, email string) string {
	t.Helper()
	r, err := f.svc.RequestReset(context.Background(), email, "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	return r.RequestID
}

// racingStore makes the first Insert lose to a concurrent caller whose
// request was decided before this one could read it back.
type racingStore struct {
	reset.Store
	mu   sync.Mutex
	lost int
}

func (s *racingStore) InTx(ctx context.Context, fn func(reset.Tx) error) error {
	return s.Store.InTx(ctx, func(tx reset.Tx) error { return fn(racingTx{tx, s}) })
}

type racingTx struct {
	reset.Tx
	s *racingStore
}

func (x racingTx) Insert(ctx context.Context, r *reset.Request) error {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	if x.s.lost == 0 {
		x.s.lost++
		return reset.ErrPendingExists
	}
	return x.Tx.Insert(ctx, r)
}

func TestPendingRaceRetriesCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	racing := &racingStore{Store: f.db.Resets()}
	svc := reset.NewService(racing, f.db, f.log, f.notifier,
		reset.WithClock(f.clock.Now), reset.WithHasher(fastHash))

	receipt, err := svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset after lost race: %v", err)
	}
	if receipt.Duplicate || receipt.Status != reset.StatusPending {
		t.Fatalf("expected a fresh request, got %+v", receipt)
	}
	if r := f.request(t, receipt.RequestID); r.UserID != f.user.ID {
		t.Fatalf("request stored for %s", r.UserID)
	}
	if racing.lost != 1 {
		t.Fatalf("expected exactly one lost insert, got %d", racing.lost)
	}
}

// alwaysRacing keeps losing, so the retry budget runs out.
type alwaysRacing struct{ reset.Store }

func (s alwaysRacing) InTx(ctx context.Context, fn func(reset.Tx) error) error {
	return s.Store.InTx(ctx, func(tx reset.Tx) error { return fn(alwaysRacingTx{tx}) })
}

type alwaysRacingTx struct{ reset.Tx }

func (alwaysRacingTx) Insert(context.Context, *reset.Request) error { return reset.ErrPendingExists }

func TestPendingRaceGivesUp(t *testing.T) {
	f := newFixture(t)
	svc := reset.NewService(alwaysRacing{f.db.Resets()}, f.db, f.log, nil,
		reset.WithClock(f.clock.Now), reset.WithHasher(fastHash))
	_, err := svc.RequestReset(context.Background(), "a@x.com", "")
	if !errors.Is(err, reset.ErrInternal) || !errors.Is(err, reset.ErrPendingExists) {
		t.Fatalf("expected wrapped ErrInternal, got %v", err)
	}
}

func TestConfirmRefusesDeactivatedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt, err := f.svc.RequestReset(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	d, err := f.svc.Approve(ctx, f.admin, receipt.RequestID, "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	u := *f.user
	u.Active = false
	if _, err := f.db.PutUser(u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	if err := f.svc.Confirm(ctx, d.Token, "NewPass1!", "NewPass1!"); !errors.Is(err, reset.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := f.db.FindByID(ctx, f.user.ID)
	if got.PasswordHash != "hash:old" {
		t.Fatalf("credential changed on inactive account")
	}
	if r := f.request(t, receipt.RequestID); r.Status != reset.StatusApproved {
		t.Fatalf("request moved to %s", r.Status)
	}
}
