package culler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pario-ai/profilequota/pkg/hub"
	"github.com/pario-ai/profilequota/pkg/ledger"
	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/models"
	"github.com/pario-ai/profilequota/pkg/quota"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu        sync.Mutex
	users     []models.HubUser
	listErr   error
	listCalls atomic.Int32
	results   map[string]hub.StopResult
	errs      map[string]error
	stopped   []string
}

func (h *fakeHub) ListUsers(context.Context) ([]models.HubUser, error) {
	h.listCalls.Add(1)
	return h.users, h.listErr
}

func (h *fakeHub) StopServer(_ context.Context, user, serverName string) (hub.StopResult, error) {
	key := user + "/" + serverName
	if err := h.errs[key]; err != nil {
		return hub.StopComplete, err
	}
	h.mu.Lock()
	h.stopped = append(h.stopped, key)
	h.mu.Unlock()
	return h.results[key], nil
}

func (h *fakeHub) Stopped() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.stopped...)
	sort.Strings(out)
	return out
}

func profiles() []models.Profile {
	return []models.Profile{
		{
			Slug: "standard",
			Quota: &models.Quota{
				CostTokensPerHour: models.Float(0.5),
				Users:             &models.RoleQuota{InitialBalance: models.Float(0)},
				Admins:            &models.RoleQuota{InitialBalance: models.Float(100)},
			},
		},
		{Slug: "small"},
		{
			Slug:  "cpu",
			Quota: &models.Quota{Users: &models.RoleQuota{InitialBalance: models.Float(0)}},
		},
	}
}

func running(profile string) models.HubServer {
	return models.HubServer{
		Ready: models.Bool(true),
		URL:   "/user/x/",
		State: models.ServerState{ProfileName: profile},
	}
}

func setup(t *testing.T, h *fakeHub) (*Culler, *ledger.SQLiteLedger, *metrics.Metrics) {
	t.Helper()
	l, err := ledger.New(filepath.Join(t.TempDir(), "culler_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	m := metrics.New(prometheus.NewRegistry())
	log := zaptest.NewLogger(t)
	e := quota.New(l, profiles(), quota.WithClock(func() time.Time { return t0 }), quota.WithLogger(log), quota.WithMetrics(m))
	c := New(h, e, Config{Interval: time.Hour, Concurrency: 4}, WithLogger(log), WithMetrics(m))
	return c, l, m
}

func TestTickCullsNegativeBalance(t *testing.T) {
	h := &fakeHub{users: []models.HubUser{
		{Name: "alice", Servers: map[string]models.HubServer{"": running("standard")}},
		{Name: "root", Admin: true, Servers: map[string]models.HubServer{"": running("standard")}},
	}}
	c, l, m := setup(t, h)

	rep := c.Tick(context.Background(), t0)

	assert.Equal(t, []string{"alice/"}, h.Stopped())
	assert.Equal(t, Report{Users: 2, Servers: 2, Charged: 2, Culled: 1}, rep)

	b, err := l.Balance(context.Background(), "alice", "standard")
	require.NoError(t, err)
	assert.Equal(t, -0.5, b)
	b, err = l.Balance(context.Background(), "root", "standard")
	require.NoError(t, err)
	assert.Equal(t, 99.5, b)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServersCulled.WithLabelValues("standard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensCharged.WithLabelValues("standard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks))
}

func TestTickSkipsServers(t *testing.T) {
	notReady := running("standard")
	notReady.Ready = models.Bool(false)
	pending := running("standard")
	pending.Pending = "spawn"

	h := &fakeHub{users: []models.HubUser{{
		Name: "alice",
		Servers: map[string]models.HubServer{
			"pending":    pending,
			"starting":   notReady,
			"no-profile": running(""),
			"free":       running("small"),
			"zero-cost":  running("cpu"),
		},
	}}}
	c, l, _ := setup(t, h)

	rep := c.Tick(context.Background(), t0)
	assert.Empty(t, h.Stopped())
	assert.Equal(t, Report{Users: 1, Servers: 5, Charged: 1}, rep)

	entries, err := l.Usage(context.Background(), models.UsageQuery{User: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cpu", entries[0].ProfileSlug)
	assert.Equal(t, 0.0, entries[0].Tokens)
}

func TestTickLegacyUser(t *testing.T) {
	h := &fakeHub{users: []models.HubUser{{Name: "old", Server: "/user/old/"}}}
	c, _, _ := setup(t, h)

	rep := c.Tick(context.Background(), t0)
	assert.Equal(t, 1, rep.Servers)
	assert.Empty(t, h.Stopped(), "legacy servers carry no profile")
}

func TestTickSlowToStop(t *testing.T) {
	h := &fakeHub{
		users:   []models.HubUser{{Name: "alice", Servers: map[string]models.HubServer{"gpu": running("standard")}}},
		results: map[string]hub.StopResult{"alice/gpu": hub.StopPending},
	}
	c, _, m := setup(t, h)

	rep := c.Tick(context.Background(), t0)
	assert.Equal(t, 1, rep.Pending)
	assert.Equal(t, 0, rep.Culled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingStops.WithLabelValues("standard")))

	// Still running next time round: charged and stopped again.
	rep = c.Tick(context.Background(), t0.Add(time.Hour))
	assert.Equal(t, 1, rep.Pending)
	assert.Equal(t, []string{"alice/gpu", "alice/gpu"}, h.Stopped())
}

func TestTickIsolatesUserErrors(t *testing.T) {
	h := &fakeHub{
		users: []models.HubUser{
			{Name: "alice", Servers: map[string]models.HubServer{"": running("standard")}},
			{Name: "bob", Servers: map[string]models.HubServer{"": running("standard")}},
		},
		errs: map[string]error{"bob/": errors.New("hub unavailable")},
	}
	c, _, m := setup(t, h)

	rep := c.Tick(context.Background(), t0)
	assert.Equal(t, []string{"alice/"}, h.Stopped())
	assert.Equal(t, 1, rep.Culled)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("stop_server")))
}

func TestTickListError(t *testing.T) {
	h := &fakeHub{listErr: errors.New("connection refused")}
	c, _, m := setup(t, h)

	rep := c.Tick(context.Background(), t0)
	assert.Equal(t, Report{Errors: 1}, rep)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("list_users")))
}

func TestTickChargesElapsedTime(t *testing.T) {
	young := running("standard")
	young.Started = t0.Add(-15 * time.Minute).Format(time.RFC3339)
	h := &fakeHub{users: []models.HubUser{
		{Name: "root", Admin: true, Servers: map[string]models.HubServer{"": young}},
	}}
	c, l, _ := setup(t, h)
	ctx := context.Background()

	c.Tick(ctx, t0)
	c.Tick(ctx, t0.Add(30*time.Minute))

	entries, err := l.Usage(ctx, models.UsageQuery{User: "root"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first: half an hour since the last check, then the server's
	// age on the first check.
	assert.Equal(t, 0.5, entries[0].Hours)
	assert.Equal(t, 0.25, entries[1].Hours)
}

func TestChargeHours(t *testing.T) {
	tests := []struct {
		name    string
		started string
		elapsed time.Duration
		want    float64
	}{
		{"unknown start", "", time.Hour, 1},
		{"old server", "2026-03-01T08:00:00Z", 10 * time.Minute, 10.0 / 60},
		{"young server", "2026-03-01 11:30:00", time.Hour, 0.5},
		{"clock skew", "2026-03-01T13:00:00Z", time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.HubServer{Started: tt.started}
			assert.InDelta(t, tt.want, chargeHours(s, t0, tt.elapsed), 1e-12)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := &fakeHub{}
	c, _, _ := setup(t, h)
	c.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.listCalls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsZeroInterval(t *testing.T) {
	c := New(&fakeHub{}, nil, Config{})
	assert.Error(t, c.Run(context.Background()))
}
