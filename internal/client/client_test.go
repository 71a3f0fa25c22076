package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubemp3/internal/models"
)

func TestSubmitSendsURLAndStartFlag(t *testing.T) {
	var gotBody map[string]string
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		gotQuery = r.URL.RawQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"jobId":"abc"}`)
	}))
	defer srv.Close()

	id, err := New(srv.URL).Submit(context.Background(), "https://youtu.be/dQw4w9WgXcQ", true)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "start=1", gotQuery)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", gotBody["url"])
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"job not found"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "job not found", apiErr.Message)
}

func TestDeleteModesHitTheirRoutes(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	for _, mode := range []DeleteMode{DeleteRecord, DeleteFile, DeleteAll, DeleteForce} {
		require.NoError(t, c.Delete(context.Background(), "j1", mode))
	}
	assert.Equal(t, []string{"/jobs/j1", "/jobs/j1/file", "/jobs/j1/all", "/jobs/j1/force"}, paths)
}

func TestListAndGetDecodeJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs":
			io.WriteString(w, `[{"id":"j1","state":"done","percent":100,"hasFile":true,"file":"1_a.mp3"}]`)
		case "/jobs/j1/progress":
			io.WriteString(w, `{"id":"j1","state":"converting","percent":62.5,"title":"Song","hasFile":false,"separation":{"state":"idle"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	list, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StateDone, list[0].State)
	assert.True(t, list[0].HasFile)

	job, err := c.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateConverting, job.State)
	assert.Equal(t, 62.5, job.Percent)
	assert.Equal(t, "Song", job.Title)
}

func TestDownloadUsesAttachmentName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/j1/file", r.URL.Path)
		w.Header().Set("Content-Disposition", `attachment; filename="1700000000000_Song.mp3"`)
		io.WriteString(w, "mp3data")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	name, err := New(srv.URL).Download(context.Background(), "j1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000_Song.mp3", name)
	assert.Equal(t, "mp3data", buf.String())
}

func TestWatchDeliversEventsUntilClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/stream", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "init", "data": []map[string]any{{"id": "j1", "state": "queued"}}})
		conn.WriteJSON(map[string]any{"type": "job", "data": map[string]any{"id": "j1", "state": "downloading", "percent": 10}})
		conn.WriteJSON(map[string]any{"type": "removed", "data": map[string]any{"id": "j1"}})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []string
	err := New(srv.URL).Watch(ctx, func(ev Event) error {
		types = append(types, ev.Type)
		switch ev.Type {
		case "init":
			jobs, err := ev.Jobs()
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, "j1", jobs[0].ID)
		case "job":
			job, err := ev.Job()
			require.NoError(t, err)
			assert.Equal(t, models.StateDownloading, job.State)
		case "removed":
			id, err := ev.RemovedID()
			require.NoError(t, err)
			assert.Equal(t, "j1", id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"init", "job", "removed"}, types)
}

func TestWatchStopsOnCallbackError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "init", "data": []any{}})
		// Hold the connection open until the client leaves.
		conn.ReadMessage()
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := New(strings.TrimSuffix(srv.URL, "/")).Watch(context.Background(), func(Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}
