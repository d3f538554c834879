package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/bus"
	"shopline/internal/config"
	"shopline/internal/db"
	"shopline/internal/domain"
	"shopline/internal/engine"
	apperrors "shopline/internal/errors"
	"shopline/internal/index"
	"shopline/internal/logger"
	"shopline/internal/migrate"
	"shopline/internal/store"
	shoplinesdk "shopline/sdk/go"
)

type testServer struct {
	URL    string
	Client *shoplinesdk.Client
	http   *http.Client
	close  func()
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	cfg := config.Default()
	svc := store.New(conn, cfg, logger.New())
	handler, err := New(Config{Store: svc, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:  "http://" + ln.Addr().String(),
		http: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	ts.Client = shoplinesdk.New(ts.URL)
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func apiStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *shoplinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr.StatusCode, apiErr.Code
}

func seedMachines(t *testing.T, c *shoplinesdk.Client, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := c.AddMachine(context.Background(), domain.Machine{ID: id, Name: "press " + id})
		require.NoError(t, err)
	}
}

func statusRecord(machine, s, start, end string) domain.ExternalRecord {
	return domain.ExternalRecord{
		Status:    s,
		MachineSN: machine,
		MachineStatus: &domain.MachineStatus{
			MachineSN:                  machine,
			MachineStatusPlanStartTime: start,
			MachineStatusPlanEndTime:   end,
		},
	}
}

func TestHealthAndMachines(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	require.NoError(t, srv.Client.Health(ctx))

	seedMachines(t, srv.Client, "A1", "B1")
	machines, err := srv.Client.FetchMachines(ctx, "A")
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, domain.Machine{ID: "A1", Area: "A", Name: "press A1"}, machines[0])

	_, err = srv.Client.AddMachine(ctx, domain.Machine{ID: "A1"})
	code, name := apiStatus(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "validation_failed", name)
}

func TestStatusRecordLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	seedMachines(t, srv.Client, "A1")

	rec, err := srv.Client.CreateStatusRecord(ctx, statusRecord("A1", "Idle", "2024-03-05T09:00:00Z", "2024-03-05T11:00:00Z"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ServerID())

	rec.Status = "Stopped"
	rec.MachineStatus.MachineStatusReason = "tooling jam"
	rec, err = srv.Client.UpdateStatusRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "Stopped", rec.Status)

	bad := rec.Clone()
	bad.Status = "Testing"
	_, err = srv.Client.UpdateStatusRecord(ctx, bad)
	code, name := apiStatus(t, err)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", name)

	_, err = srv.Client.CreateStatusRecord(ctx, statusRecord("A1", "Setup", "2024-03-05T10:00:00Z", "2024-03-05T12:00:00Z"))
	code, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	missing := rec.Clone()
	missing.MachineStatus.MachineStatusID = "nope"
	_, err = srv.Client.UpdateStatusRecord(ctx, missing)
	code, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, code)

	ok, err := srv.Client.DeleteStatusRecord(ctx, rec.ServerID())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = srv.Client.DeleteStatusRecord(ctx, rec.ServerID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleWindow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	seedMachines(t, srv.Client, "A1")
	_, err := srv.Client.CreateStatusRecord(ctx, statusRecord("A1", "Idle", "2024-03-05T08:00:00Z", "2024-03-05T09:00:00Z"))
	require.NoError(t, err)
	_, err = srv.Client.CreateStatusRecord(ctx, statusRecord("A1", "Setup", "2024-03-05T12:00:00Z", "2024-03-05T13:00:00Z"))
	require.NoError(t, err)

	from := time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)
	recs, err := srv.Client.FetchSchedule(ctx, "A", &from, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Setup", recs[0].Status)

	res, data := doJSON(t, srv.http, http.MethodGet, srv.URL+"/v0/areas/A/schedule?start=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.http, http.MethodGet, srv.URL+"/v0/areas/a/schedule", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var body ScheduleResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "A", body.Area)
	assert.Len(t, body.Records, 2)
}

func TestWorkOrders(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	seedMachines(t, srv.Client, "A1", "A2")

	res, err := srv.Client.ImportWorkOrders(ctx, []domain.ProductionSchedule{
		{WorkOrderSN: "WO-1", MachineSN: "A1", ProductName: "Bracket", ProcessName: "stamping", ProductionScheduleStatus: "scheduled", PlanOnMachineDate: "2024-03-06T08:00:00Z", PlanFinishDate: "2024-03-06T10:00:00Z"},
		{WorkOrderSN: "WO-2", MachineSN: "A1", ProductName: "Hinge", ProcessName: "bending", ProductionScheduleStatus: "closed", PlanOnMachineDate: "2024-03-06T10:00:00Z"},
	})
	require.NoError(t, err)
	require.Len(t, res.Imported, 2)

	move := res.Imported[0].Clone()
	move.ProductionSchedule.MachineSN = "A2"
	move.ProductionSchedule.PlanOnMachineDate = "2024-03-06T09:00:00Z"
	out, err := srv.Client.UpdateWorkOrder(ctx, move)
	require.NoError(t, err)
	assert.Equal(t, "A2", out.ProductionSchedule.MachineSN)
	assert.Equal(t, "2024-03-06T11:00:00Z", out.ProductionSchedule.PlanFinishDate)

	closed := res.Imported[1].Clone()
	closed.ProductionSchedule.PlanOnMachineDate = "2024-03-06T12:00:00Z"
	_, err = srv.Client.UpdateWorkOrder(ctx, closed)
	code, name := apiStatus(t, err)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_editable", name)

	again, err := srv.Client.ImportWorkOrders(ctx, []domain.ProductionSchedule{{WorkOrderSN: "WO-1", MachineSN: "A1", ProductName: "Bracket", ProcessName: "stamping", ProductionScheduleStatus: "scheduled", PlanOnMachineDate: "2024-03-06T08:00:00Z"}})
	require.NoError(t, err)
	assert.Empty(t, again.Imported)
	assert.Equal(t, []string{"WO-1"}, again.Skipped)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.http, http.MethodPost, srv.URL+"/v0/status-records", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&apperrors.FormError{Fields: []apperrors.FieldError{{Field: "reason"}}}, http.StatusBadRequest, "invalid_form"},
		{apperrors.NewValidationError("start", "start time is required"), http.StatusUnprocessableEntity, "validation_failed"},
		{apperrors.NewStateTransitionError("Stopped", "Testing", "via Idle"), http.StatusConflict, "invalid_transition"},
		{apperrors.ErrNotEditable, http.StatusConflict, "not_editable"},
		{apperrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{apperrors.ErrInvalidRange, http.StatusBadRequest, "bad_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		ae, ok := se.(*apiError)
		require.True(t, ok)
		assert.Equal(t, tc.status, ae.GetStatus(), tc.err.Error())
		assert.Equal(t, tc.code, ae.Body.Code, tc.err.Error())
	}
}

func TestBearerAuth(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	ctx := context.Background()

	require.NoError(t, srv.Client.Health(ctx), "health stays open")

	_, err := srv.Client.FetchMachines(ctx, "")
	code, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, code)

	srv.Client.BearerToken = "garbage"
	_, err = srv.Client.FetchMachines(ctx, "")
	code, name := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_credentials", name)

	wrong, err := SignToken("other", "op-7", time.Hour, time.Now())
	require.NoError(t, err)
	srv.Client.BearerToken = wrong
	_, err = srv.Client.FetchMachines(ctx, "")
	code, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, code)

	token, err := SignToken(secret, "op-7", time.Hour, time.Now())
	require.NoError(t, err)
	srv.Client.BearerToken = token
	// the token subject wins over the actor header
	srv.Client.ActorID = "spoofed"
	seedMachines(t, srv.Client, "A1")

	evs, err := srv.Client.ListEvents(ctx, shoplinesdk.EventQuery{EntityKind: "machine"})
	require.NoError(t, err)
	require.Len(t, evs.Items, 1)
	assert.Equal(t, "op-7", evs.Items[0].ActorID)
	assert.Equal(t, "machine.added", evs.Items[0].Type)

	expired, err := SignToken(secret, "op-7", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	srv.Client.BearerToken = expired
	_, err = srv.Client.FetchMachines(ctx, "")
	code, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	srv.Client.ActorID = "op-1"
	seedMachines(t, srv.Client, "A1", "A2", "A3")

	first, err := srv.Client.ListEvents(ctx, shoplinesdk.EventQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "A3", first.Items[0].EntityID)
	assert.Equal(t, "op-1", first.Items[0].ActorID)

	second, err := srv.Client.ListEvents(ctx, shoplinesdk.EventQuery{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "A1", second.Items[0].EntityID)
	assert.Empty(t, second.NextCursor)

	newer, err := srv.Client.ListEvents(ctx, shoplinesdk.EventQuery{After: second.Items[0].ID})
	require.NoError(t, err)
	require.Len(t, newer.Items, 2)
	assert.Equal(t, "A2", newer.Items[0].EntityID)
}

// The coordinator runs unchanged against the HTTP client.
func TestCoordinatorOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedMachines(t, srv.Client, "A1")
	cfg := config.Default()
	coord := engine.New(srv.Client, index.New(), bus.New(), cfg, logger.New())
	coord.Normalizer.Now = func() time.Time { return time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC) }
	ctx := logger.WithActor(context.Background(), "op-9")

	p, err := coord.Submit(ctx, engine.Intent{Item: domain.TimelineItem{
		MachineID: "A1",
		Status:    domain.StatusSetup,
	}})
	require.NoError(t, err)
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.NotEmpty(t, out.Record.ServerID())

	items, err := coord.Load(ctx, "A", nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, out.Record.ServerID(), items[0].ID)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), items[0].End)

	ok, err := coord.Delete(ctx, items[0].ID)
	require.NoError(t, err)
	_, err = ok.Wait(ctx)
	require.NoError(t, err)

	evs, err := srv.Client.ListEvents(ctx, shoplinesdk.EventQuery{EntityKind: "status_record"})
	require.NoError(t, err)
	require.Len(t, evs.Items, 2)
	assert.Equal(t, "op-9", evs.Items[1].ActorID)
}
