package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/itohio/gobrew/pkg/machine"
	"github.com/itohio/gobrew/pkg/metrics"
	"github.com/itohio/gobrew/pkg/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus struct{ st machine.Status }

func (s *staticStatus) Status() machine.Status { return s.st }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestRouter_Health(t *testing.T) {
	src := &staticStatus{}
	r := newRouter(src, nil, time.Second, nil)

	code, _ := get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	src.st = machine.Status{Seq: 1, Time: time.Now()}
	code, body := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	src.st.Faulted = true
	src.st.Fault = safety.Record{Code: safety.FaultOverTemperature}
	code, body = get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "over_temperature")

	src.st.Time = time.Now().Add(-time.Minute)
	code, _ = get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRouter_Status(t *testing.T) {
	src := &staticStatus{st: machine.Status{
		Seq:          3,
		Mode:         machine.KindBrewing,
		Temperature:  92.5,
		WeightTarget: 36,
		Shot:         machine.ShotStatus{ID: 2, Active: true, Dispensed: 12.5, Target: 36},
		Rejected:     machine.Rejection{Command: machine.CmdStartSteam, Reason: machine.ErrNotApplicable},
	}}
	r := newRouter(src, nil, time.Second, nil)

	code, body := get(t, r, "/status")
	require.Equal(t, http.StatusOK, code)

	var v statusView
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.Equal(t, "brewing", v.Mode)
	assert.Equal(t, float32(92.5), v.Temperature)
	assert.Equal(t, uint64(2), v.Shot.ID)
	assert.True(t, v.Shot.Active)
	assert.Equal(t, float32(12.5), v.Shot.Dispensed)
	assert.Nil(t, v.Fault)
	assert.Contains(t, v.Rejected, "start_steam")
	assert.Empty(t, v.Autotune.Session)
}

func TestRouter_Metrics(t *testing.T) {
	m := metrics.New()
	m.Observe(machine.Status{Seq: 1, Mode: machine.KindReady, Temperature: 93})
	r := newRouter(&staticStatus{}, m, time.Second, nil)

	get(t, r, "/status")
	code, body := get(t, r, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `gobrew_boiler_temperature_celsius{kind="measured"} 93`)
	assert.Contains(t, body, `route="/status"`)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusView_Autotune(t *testing.T) {
	st := machine.Status{}
	st.Autotune.Err = errors.New("ceiling")
	st.Autotune.Cycles = 4

	v := newStatusView(st)
	assert.Equal(t, "ceiling", v.Autotune.Error)
	assert.Equal(t, 4, v.Autotune.Cycles)
}

func TestShutdownServer_Idle(t *testing.T) {
	srv := newServer("127.0.0.1:0", http.NotFoundHandler(), io.Discard)
	assert.NoError(t, shutdownServer(srv, time.Second, nil))
}

func TestShutdownServer_LogsTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		close(entered)
		<-release
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer close(release)

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not reach the handler")
	}

	var buf bytes.Buffer
	err = shutdownServer(srv, 20*time.Millisecond, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, buf.String(), "diagnostics shutdown failed")
}
