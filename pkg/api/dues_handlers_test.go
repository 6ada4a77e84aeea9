package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/audit"
	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/ratelimit"
	"github.com/platinummonkey/clubhouse/pkg/scheduler"
	"github.com/platinummonkey/clubhouse/pkg/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	server   *Server
	store    *sqlite.DueStore
	audit    *audit.SQLStore
	registry *prometheus.Registry
	playerID int64
	coachID  int64
}

func setupTestEnv(t *testing.T, modify ...func(*ServerOptions)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	directory := sqlite.NewMemberDirectory(db)
	created := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	player := &members.Member{FullName: "Ana Lopez", Role: members.RolePlayer, Active: true, CreatedAt: &created}
	coach := &members.Member{FullName: "Ben Ortiz", Role: members.RoleCoach, Active: true, CreatedAt: &created}
	require.NoError(t, directory.SaveMember(ctx, player))
	require.NoError(t, directory.SaveMember(ctx, coach))

	cfg := dues.DefaultConfig()
	cfg.AutomaticGenerationEnabled = true
	cfg.MonthlyDueAmount = decimal.NewFromInt(30)

	registry := prometheus.NewRegistry()
	metrics := observability.NewBillingMetrics(registry)

	store := sqlite.NewDueStore(db)
	engine := dues.NewEngine(store, directory, cfg, logger, metrics)
	sweeper := dues.NewSweeper(store, logger, metrics)
	service := dues.NewService(store, directory, cfg, logger, metrics)
	clock := func() time.Time { return testNow }

	auditStore := audit.NewSQLStore(db, audit.DialectSQLite)
	require.NoError(t, auditStore.EnsureSchema(ctx))

	sched, err := scheduler.New(engine, sweeper, scheduler.Config{}, logger, metrics,
		scheduler.WithClock(clock), scheduler.WithAudit(auditStore))
	require.NoError(t, err)

	opts := ServerOptions{
		Service:    service,
		Engine:     engine,
		Directory:  directory,
		Jobs:       sched,
		Audit:      auditStore,
		AuditStore: auditStore,
		Health:     observability.NewHealthChecker(db, nil),
		Metrics:    metrics,
		Registry:   registry,
		Logger:     logger,
		Clock:      clock,
	}
	for _, m := range modify {
		m(&opts)
	}
	server := NewServer(opts)

	return &testEnv{server: server, store: store, audit: auditStore, registry: registry, playerID: player.ID, coachID: coach.ID}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "", method, path, body)
}

func (e *testEnv) doAs(t *testing.T, actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(audit.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) createDue(t *testing.T, month int) dues.DueRecord {
	t.Helper()
	w := e.do(t, http.MethodPost, "/dues",
		`{"member_id": `+itoa(e.playerID)+`, "month": `+itoa(int64(month))+`, "year": 2024, "amount": "45.50"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[dues.DueRecord](t, w)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCreateDue(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("created", func(t *testing.T) {
		rec := env.createDue(t, 6)
		assert.NotZero(t, rec.ID)
		assert.Equal(t, "Ana Lopez", rec.MemberName)
		assert.Equal(t, dues.StatusPending, rec.Status)
		assert.True(t, decimal.RequireFromString("45.50").Equal(rec.Amount))
		assert.Equal(t, time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC), rec.DueDate.UTC())
	})

	t.Run("duplicate period", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/dues",
			`{"member_id": `+itoa(env.playerID)+`, "month": 6, "year": 2024, "amount": "10"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing amount", `{"member_id": 1, "month": 7, "year": 2024}`, "amount"},
		{"negative amount", `{"member_id": 1, "month": 7, "year": 2024, "amount": "-5"}`, "amount"},
		{"missing period", `{"member_id": 1, "amount": "5"}`, "period"},
		{"bad month", `{"member_id": 1, "month": 13, "year": 2024, "amount": "5"}`, "month"},
		{"missing member", `{"month": 7, "year": 2024, "amount": "5"}`, "member_id"},
		{"unknown member", `{"member_id": 999, "month": 7, "year": 2024, "amount": "5"}`, "member_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/dues", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"field":"`+tt.field+`"`)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/dues", `{"member_id":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetDue(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.createDue(t, 4)

	w := env.do(t, http.MethodGet, "/dues/"+itoa(rec.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID, decode[dues.DueRecord](t, w).ID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/dues/9999", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/dues/abc", "").Code)
}

func TestPaymentLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("confirm", func(t *testing.T) {
		rec := env.createDue(t, 4)

		w := env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/confirm", `{"payment_method": "cash", "proof_ref": "receipt-7"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		paid := decode[dues.DueRecord](t, w)
		assert.Equal(t, dues.StatusPaid, paid.Status)
		assert.Equal(t, "cash", paid.PaymentMethod)
		assert.Equal(t, "receipt-7", paid.ProofRef)
		require.NotNil(t, paid.PaymentDate)

		// Terminal: no further transition and no delete.
		w = env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/reject", `{"reason": "late"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		w = env.do(t, http.MethodDelete, "/dues/"+itoa(rec.ID), "")
		assert.Equal(t, http.StatusConflict, w.Code)

		// Notes are still allowed.
		w = env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/notes", `{"note": "thanked"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "thanked", decode[dues.DueRecord](t, w).Notes)
	})

	t.Run("confirm requires method", func(t *testing.T) {
		rec := env.createDue(t, 5)

		w := env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/confirm", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"field":"payment_method"`)

		long := strings.Repeat("m", dues.MaxPaymentMethodLength+1)
		w = env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/confirm", `{"payment_method": "`+long+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"field":"payment_method"`)
	})

	t.Run("create rejects fractional cents", func(t *testing.T) {
		body := `{"member_id": ` + itoa(env.playerID) + `, "month": 6, "year": 2024, "amount": "12.345"}`
		w := env.do(t, http.MethodPost, "/dues", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"field":"amount"`)
	})

	t.Run("reject keeps reason", func(t *testing.T) {
		rec := env.createDue(t, 7)

		w := env.do(t, http.MethodPost, "/dues/"+itoa(rec.ID)+"/reject", `{"reason": "bounced transfer"}`)
		require.Equal(t, http.StatusOK, w.Code)
		rejected := decode[dues.DueRecord](t, w)
		assert.Equal(t, dues.StatusRejected, rejected.Status)
		assert.Contains(t, rejected.Notes, "bounced transfer")
	})

	t.Run("delete pending", func(t *testing.T) {
		rec := env.createDue(t, 8)

		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/dues/"+itoa(rec.ID), "").Code)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/dues/"+itoa(rec.ID), "").Code)
	})

	t.Run("unknown record", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/dues/9999/confirm", `{"payment_method": "card"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestBackfillMember(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/members/"+itoa(env.playerID)+"/dues/backfill", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[dues.GenerationResult](t, w)
	assert.Len(t, result.Created, 3)

	w = env.do(t, http.MethodGet, "/members/"+itoa(env.playerID)+"/dues", "")
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]dues.DueRecord](t, w)
	require.Len(t, records, 3)
	assert.Equal(t, time.January, records[0].Period.Month)
	assert.Equal(t, time.March, records[2].Period.Month)

	// Second run creates nothing.
	w = env.do(t, http.MethodPost, "/members/"+itoa(env.playerID)+"/dues/backfill", "")
	require.Equal(t, http.StatusOK, w.Code)
	result = decode[dues.GenerationResult](t, w)
	assert.Empty(t, result.Created)
	assert.Equal(t, 3, result.Existing)

	// Coaches are not billable.
	w = env.do(t, http.MethodPost, "/members/"+itoa(env.coachID)+"/dues/backfill", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dues.GenerationResult](t, w).Skipped)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/members/999/dues/backfill", "").Code)

	w = env.do(t, http.MethodGet, "/members/999/dues", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestBackfillMember_CachedDirectory(t *testing.T) {
	ctx := context.Background()
	var source *sqlite.MemberDirectory
	env := setupTestEnv(t, func(opts *ServerOptions) {
		source = opts.Directory.(*sqlite.MemberDirectory)
		opts.Directory = members.NewCachedDirectory(source, 16, time.Hour)
	})

	path := "/members/" + itoa(env.coachID) + "/dues/backfill"
	w := env.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[dues.GenerationResult](t, w).Skipped)

	// The coach becomes a player while still cached as a coach.
	coach, err := source.GetMember(ctx, env.coachID)
	require.NoError(t, err)
	coach.Role = members.RolePlayer
	require.NoError(t, source.SaveMember(ctx, coach))

	w = env.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[dues.GenerationResult](t, w)
	assert.False(t, result.Skipped)
	assert.Len(t, result.Created, 3)
}

func TestBillingRuns(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/billing/run/monthly", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode[dues.BatchResult](t, w)
	assert.Equal(t, 1, batch.Created)

	w = env.do(t, http.MethodPost, "/billing/run/backfill?workers=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch = decode[dues.BatchResult](t, w)
	assert.Equal(t, 2, batch.Created)
	assert.Equal(t, 1, batch.Existing)

	w = env.do(t, http.MethodPost, "/billing/run/sweep", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sweep := decode[dues.SweepResult](t, w)
	// January and February are past due on March 15; March is due on the 31st.
	assert.Equal(t, 2, sweep.Marked)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/billing/run/backfill?workers=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/billing/run/backfill?async=maybe", "").Code)
}

func TestBackfillAll_Async(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/billing/run/backfill?async=true", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[backfillAccepted](t, w)
	assert.NotEmpty(t, accepted.RunID)
	assert.Equal(t, defaultBackfillWorkers, accepted.Workers)

	assert.Eventually(t, func() bool {
		records, err := env.store.ListByMember(context.Background(), env.playerID)
		return err == nil && len(records) == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_Observability(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.do(t, http.MethodGet, "/dues/9999", "")
	w = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/dues/{id}"`)

	w = env.do(t, http.MethodGet, "/dues/1", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuditTrail(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.createDue(t, 2)
	dueID := itoa(rec.ID)

	w := env.doAs(t, "treasurer", http.MethodPost, "/dues/"+dueID+"/confirm", `{"payment_method": "cash"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.doAs(t, "treasurer", http.MethodPost, "/dues/"+dueID+"/reject", `{"reason": "too late"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/audit/events?due_id="+dueID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Events []audit.Event `json:"events"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)

	byType := map[audit.EventType]audit.Event{}
	for _, e := range body.Events {
		byType[e.EventType] = e
	}

	created := byType[audit.EventTypeDueCreated]
	assert.Equal(t, audit.StatusSuccess, created.Status)
	assert.Equal(t, "anonymous", created.Actor)
	assert.Equal(t, "2024-02", created.Period)

	paid := byType[audit.EventTypeDuePaid]
	assert.Equal(t, audit.StatusSuccess, paid.Status)
	assert.Equal(t, "treasurer", paid.Actor)
	assert.NotEmpty(t, paid.RequestID)
	assert.Equal(t, "cash", paid.Metadata["payment_method"])

	rejected := byType[audit.EventTypeDueRejected]
	assert.Equal(t, audit.StatusFailure, rejected.Status)
	assert.NotEmpty(t, rejected.ErrorMessage)
}

func TestAuditTrail_BillingRuns(t *testing.T) {
	env := setupTestEnv(t)

	require.Equal(t, http.StatusOK, env.doAs(t, "ops", http.MethodPost, "/billing/run/monthly", "").Code)
	require.Equal(t, http.StatusOK, env.doAs(t, "ops", http.MethodPost, "/billing/run/sweep", "").Code)

	events, err := env.audit.Search(context.Background(), audit.Filter{
		EventTypes: []audit.EventType{audit.EventTypeMonthlyGeneration, audit.EventTypeOverdueSweep},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "ops", e.Actor)
		assert.NotEmpty(t, e.RunID)
		assert.Equal(t, audit.StatusSuccess, e.Status)
	}
}

func TestBillingRuns_RateLimited(t *testing.T) {
	env := setupTestEnv(t, func(opts *ServerOptions) {
		opts.RunLimiter = ratelimit.NewMemoryLimiter(ratelimit.Config{RequestsPerWindow: 1, Window: time.Hour})
	})

	require.Equal(t, http.StatusOK, env.doAs(t, "ops", http.MethodPost, "/billing/run/sweep", "").Code)

	w := env.doAs(t, "ops", http.MethodPost, "/billing/run/monthly", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Limits are per actor and do not cover due operations.
	assert.Equal(t, http.StatusOK, env.doAs(t, "treasurer", http.MethodPost, "/billing/run/sweep", "").Code)
	assert.Equal(t, http.StatusOK, env.doAs(t, "ops", http.MethodGet, "/members/"+itoa(env.playerID)+"/dues", "").Code)
}
