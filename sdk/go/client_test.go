package teamboardsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveTaskSendsFromAndComment(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/teams/core/tasks/t1/move", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task":{"id":"t1","status":"in_progress"},"applied":false,"conflict":{"id":"c1","task_id":"t1","conflicts":[{"actor_id":"x"},{"actor_id":"y"}]},"notification":{"title":"Conflict detected","severity":"error"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "core")
	c.APIKey = "secret"
	res, err := c.MoveTask(context.Background(), "t1", "awaiting_approval", "cancelled", "dup")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "awaiting_approval", "to": "cancelled", "comment": "dup"}, got)
	assert.False(t, res.Applied)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "c1", res.Conflict.ID)
	assert.Len(t, res.Conflict.Conflicts, 2)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"rule_violation","message":"a comment is required to move a task to Cancelled"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "core")
	c.ActorID = "x"
	_, err := c.MoveTask(context.Background(), "t1", "", "cancelled", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "rule_violation", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "Cancelled")
}

func TestResolveConflictAndQueries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/teams/core/conflicts/c1/resolve", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "merge", body["resolution"])
		assert.Equal(t, "on_hold", body["selected_status"])
		_, _ = w.Write([]byte(`{"conflict_id":"c1","task_id":"t1","resolution":"merge","final_status":"on_hold","resolved_by":"x"}`))
	})
	mux.HandleFunc("/v1/teams/core/board", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "in_progress", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"team_id":"core","items":[{"task":{"id":"t2"},"priority":{"score":0.9,"insights":[{"type":"warning","message":"Due soon"}]}}]}`))
	})
	mux.HandleFunc("/v1/teams/core/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"id":9,"type":"task.moved"}],"next_cursor":"9"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL+"/", "core")
	out, err := c.ResolveConflict(ctx, "c1", "merge", "on_hold")
	require.NoError(t, err)
	assert.Equal(t, "on_hold", out.FinalStatus)

	items, err := c.ListBoard(ctx, "in_progress")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t2", items[0].Task.ID)
	assert.Equal(t, "Due soon", items[0].Priority.Insights[0].Message)

	page, err := c.EventsPage(ctx, 2, "10")
	require.NoError(t, err)
	assert.Equal(t, "9", page.NextCursor)
	assert.Equal(t, "task.moved", page.Items[0].Type)
}
