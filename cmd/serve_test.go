package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	srv := httptest.NewServer(newRouter(st, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServe_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServe_Status(t *testing.T) {
	srv, st := newTestServer(t)
	_, err := st.AppendEvent(context.Background(), &model.Event{
		Time:   time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC),
		Source: model.SourceFeed,
		Kind:   "hit",
	})
	require.NoError(t, err)

	var body map[string]any
	status := getJSON(t, srv.URL+"/v1/status", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "latest_event_time")
}

func TestServe_EntityDAG(t *testing.T) {
	srv, st := newTestServer(t)
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	e := &model.Event{Time: time.Now().UTC(), Source: model.SourceStart, Kind: "start"}
	_, err := st.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	_, err = st.InsertVersions(context.Background(), []model.NewVersion{{
		Entity:    ref,
		StartTime: e.Time,
		State:     json.RawMessage(`{"divinity":0.5}`),
		FromEvent: e.ID,
	}})
	require.NoError(t, err)

	var dag model.EntityDAG
	status := getJSON(t, srv.URL+"/v1/entities/player/"+ref.ID.String()+"/dag", &dag)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, dag.Versions, 1)

	status = getJSON(t, srv.URL+"/v1/entities/player/not-a-uuid/dag", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServe_UnresolvedObservations(t *testing.T) {
	srv, st := newTestServer(t)
	ref := model.EntityRef{Type: model.EntityTypeTeam, ID: uuid.New()}
	now := time.Now().UTC()

	for _, status := range []model.ObservationStatus{model.ObservationAmbiguous, model.ObservationResolved} {
		_, err := st.InsertObservation(context.Background(), &model.Observation{
			Entity:      ref,
			PerceivedAt: now,
			Earliest:    now,
			Latest:      now,
			Data:        json.RawMessage(`{}`),
			Status:      status,
		})
		require.NoError(t, err)
	}

	var obs []model.Observation
	status := getJSON(t, srv.URL+"/v1/observations/unresolved", &obs)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, obs, 1)
	assert.Equal(t, model.ObservationAmbiguous, obs[0].Status)
}

func TestServe_ApprovalRoundTrip(t *testing.T) {
	srv, st := newTestServer(t)
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	a, err := st.UpsertApproval(context.Background(), ref, time.Now().UTC(), "needs review")
	require.NoError(t, err)

	var pending []model.Approval
	status := getJSON(t, srv.URL+"/v1/approvals", &pending)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, pending, 1)

	resp, err := http.Post(
		srv.URL+"/v1/approvals/"+strconv.FormatInt(a.ID, 10),
		"application/json",
		strings.NewReader(`{"approved":true,"explanation":"looks fine"}`),
	)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pending = nil
	getJSON(t, srv.URL+"/v1/approvals", &pending)
	assert.Empty(t, pending)
}

func TestServe_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

