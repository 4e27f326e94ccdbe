package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outboxd/internal/ops"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func mut(id string, action ops.Action, at time.Duration, payload string) Mutation {
	m := Mutation{RecordID: id, Collection: "task", Key: "42", Action: action, CreatedAt: epoch.Add(at)}
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	return m
}

func TestFromRecord(t *testing.T) {
	rec := ops.Record{ID: "task/1@5", Collection: "task", EntityKey: "1", Action: ops.ActionUpdate,
		Payload: json.RawMessage(`{}`), CreatedAt: epoch}
	assert.Equal(t, Mutation{RecordID: "task/1@5", Collection: "task", Key: "1", Action: ops.ActionUpdate,
		Payload: json.RawMessage(`{}`), CreatedAt: epoch}, FromRecord(rec))
}

func TestServer_IdempotentPerRecordID(t *testing.T) {
	srv := NewServer()

	ack, err := srv.Apply(mut("r1", ops.ActionCreate, 0, `{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, Ack{Applied: true}, ack)

	ack, err = srv.Apply(mut("r1", ops.ActionCreate, 0, `{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, Ack{Applied: true, Duplicate: true}, ack)
	assert.Equal(t, 1, srv.AppliedCount())
}

func TestServer_LastWriterWins(t *testing.T) {
	srv := NewServer()

	_, err := srv.Apply(mut("r2", ops.ActionDelete, time.Second, ""))
	require.NoError(t, err)
	ack, err := srv.Apply(mut("r1", ops.ActionUpdate, 0, `{"v":1}`))
	require.NoError(t, err)
	assert.False(t, ack.Applied, "older write loses")

	e, ok := srv.Entity("task", "42")
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Equal(t, "r2", e.RecordID)
}

func TestServer_RejectsInvalid(t *testing.T) {
	srv := NewServer()
	_, err := srv.Apply(mut("r1", ops.ActionCreate, 0, ""))
	assert.True(t, ops.IsPermanent(err))
	_, err = srv.Apply(mut("", ops.ActionDelete, 0, ""))
	assert.True(t, ops.IsPermanent(err))
}

func TestRouter_Healthz(t *testing.T) {
	r := NewRouter(NewServer())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRouter_IdempotencyKeyMismatch(t *testing.T) {
	r := NewRouter(NewServer())
	body, _ := json.Marshal(mut("r1", ops.ActionDelete, 0, ""))
	req := httptest.NewRequest(http.MethodPost, ApplyPath, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, "other")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPEndpoint_AgainstRouter(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	ep := NewHTTPEndpoint(ts.Client(), ts.URL+"/")
	ctx := context.Background()

	ack, err := ep.Apply(ctx, mut("task/42@1", ops.ActionCreate, 0, `{"title":"a"}`))
	require.NoError(t, err)
	assert.True(t, ack.Applied)

	ack, err = ep.Apply(ctx, mut("task/42@1", ops.ActionCreate, 0, `{"title":"a"}`))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	_, err = ep.Apply(ctx, mut("task/42@2", ops.ActionUpdate, time.Second, ""))
	assert.True(t, ops.IsPermanent(err), "422 is permanent: %v", err)

	resp, err := ts.Client().Get(ts.URL + "/v1/entities/task/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	var e Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.JSONEq(t, `{"title":"a"}`, string(e.Payload))
}

func TestHTTPEndpoint_Classification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooEarly, true},
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "task/42@1", r.Header.Get(IdempotencyHeader))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer ts.Close()

			_, err := NewHTTPEndpoint(ts.Client(), ts.URL).Apply(context.Background(), mut("task/42@1", ops.ActionDelete, 0, ""))
			require.Error(t, err)
			assert.Equal(t, tc.transient, ops.IsTransient(err), "%v", err)
			assert.Equal(t, !tc.transient, ops.IsPermanent(err), "%v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPEndpoint_NetworkErrorIsTransient(t *testing.T) {
	ep := NewHTTPEndpoint(nil, "http://127.0.0.1:1")
	_, err := ep.Apply(context.Background(), mut("r1", ops.ActionDelete, 0, ""))
	assert.True(t, ops.IsTransient(err))
}

func TestHTTPEndpoint_TimeoutIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPEndpoint(ts.Client(), ts.URL).Apply(ctx, mut("r1", ops.ActionDelete, 0, ""))
	assert.True(t, ops.IsTransient(err))
}
