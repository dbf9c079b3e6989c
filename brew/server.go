package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/itohio/gobrew/pkg/machine"
	"github.com/itohio/gobrew/pkg/metrics"
)

type shotView struct {
	ID        uint64  `json:"id"`
	Active    bool    `json:"active"`
	Stage     string  `json:"stage"`
	Elapsed   string  `json:"elapsed"`
	Dispensed float32 `json:"dispensed"`
	Target    float32 `json:"target"`
	Cutoff    bool    `json:"cutoff"`
}

type autotuneView struct {
	Session  string  `json:"session,omitempty"`
	Phase    string  `json:"phase"`
	Progress float32 `json:"progress"`
	Cycles   int     `json:"cycles"`
	Kp       float32 `json:"kp"`
	Ki       float32 `json:"ki"`
	Kd       float32 `json:"kd"`
	Error    string  `json:"error,omitempty"`
}

type faultView struct {
	Code      string    `json:"code"`
	Condition string    `json:"condition"`
	Value     float32   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// statusView is the JSON form of machine.Status.
type statusView struct {
	Seq          uint64       `json:"seq"`
	Time         time.Time    `json:"time"`
	Mode         string       `json:"mode"`
	Temperature  float32      `json:"temperature"`
	Fresh        bool         `json:"temperature_fresh"`
	Setpoint     float32      `json:"setpoint"`
	Kp           float32      `json:"kp"`
	Ki           float32      `json:"ki"`
	Kd           float32      `json:"kd"`
	Heater       float32      `json:"heater"`
	Pump         bool         `json:"pump"`
	Valve        bool         `json:"valve"`
	Weight       float32      `json:"weight"`
	ScaleFresh   bool         `json:"scale_fresh"`
	Tank         string       `json:"tank"`
	TankWeight   float32      `json:"tank_weight"`
	WeightTarget float32      `json:"weight_target"`
	Shot         shotView     `json:"shot"`
	Autotune     autotuneView `json:"autotune"`
	Action       string       `json:"action"`
	Fault        *faultView   `json:"fault,omitempty"`
	Rejected     string       `json:"rejected,omitempty"`
	Rejections   uint64       `json:"rejections"`
}

func newStatusView(st machine.Status) statusView {
	v := statusView{
		Seq:          st.Seq,
		Time:         st.Time,
		Mode:         st.Mode.String(),
		Temperature:  st.Temperature,
		Fresh:        st.TemperatureFresh,
		Setpoint:     st.Setpoint,
		Kp:           st.Gains.Kp,
		Ki:           st.Gains.Ki,
		Kd:           st.Gains.Kd,
		Heater:       st.Intent.HeaterDuty,
		Pump:         st.Actuators.Pump,
		Valve:        st.Actuators.Valve,
		Weight:       st.Weight,
		ScaleFresh:   st.ScaleFresh,
		Tank:         st.Tank.String(),
		TankWeight:   st.TankWeight,
		WeightTarget: st.WeightTarget,
		Shot: shotView{
			ID:        st.Shot.ID,
			Active:    st.Shot.Active,
			Stage:     st.Shot.Stage.String(),
			Elapsed:   st.Shot.Elapsed.Round(100 * time.Millisecond).String(),
			Dispensed: st.Shot.Dispensed,
			Target:    st.Shot.Target,
			Cutoff:    st.Shot.Cutoff,
		},
		Autotune: autotuneView{
			Phase:    st.Autotune.Phase.String(),
			Progress: st.Autotune.Progress,
			Cycles:   st.Autotune.Cycles,
			Kp:       st.Autotune.Last.Gains.Kp,
			Ki:       st.Autotune.Last.Gains.Ki,
			Kd:       st.Autotune.Last.Gains.Kd,
		},
		Action:     st.Action.String(),
		Rejections: st.Rejections,
	}

	if st.Autotune.Session != uuid.Nil {
		v.Autotune.Session = st.Autotune.Session.String()
	}
	if st.Autotune.Err != nil {
		v.Autotune.Error = st.Autotune.Err.Error()
	}
	if st.Faulted {
		v.Fault = &faultView{
			Code:      st.Fault.Code.String(),
			Condition: st.Fault.Condition,
			Value:     st.Fault.Value,
			Timestamp: st.Fault.Timestamp,
		}
	}
	if st.Rejected.Reason != nil {
		v.Rejected = st.Rejected.Command.String() + ": " + st.Rejected.Reason.Error()
	}
	return v
}

// statusSource provides the latest exported status.
type statusSource interface {
	Status() machine.Status
}

// newRouter builds the read-only diagnostics API. A status older than
// maxAge fails the health check.
func newRouter(src statusSource, m *metrics.Metrics, maxAge time.Duration, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	r := mux.NewRouter()

	r.Handle("/metrics", m.WrapHandler("/metrics", m.Handler())).Methods(http.MethodGet)

	r.Handle("/healthz", m.WrapHandler("/healthz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		st := src.Status()
		if st.Seq == 0 || time.Since(st.Time) > maxAge {
			http.Error(w, "control loop not running", http.StatusServiceUnavailable)
			return
		}
		if st.Faulted {
			io.WriteString(w, "fault: "+st.Fault.Code.String()+"\n")
			return
		}
		io.WriteString(w, "ok\n")
	}))).Methods(http.MethodGet)

	r.Handle("/status", m.WrapHandler("/status", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newStatusView(src.Status())); err != nil {
			log.Warn("failed to encode status", slog.Any("error", err))
		}
	}))).Methods(http.MethodGet)

	return r
}

// newServer wraps the router with request logging.
func newServer(addr string, router http.Handler, logOut io.Writer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(logOut, router),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// shutdownServer stops srv, waiting up to timeout for requests in flight.
func shutdownServer(srv *http.Server, timeout time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("diagnostics shutdown failed", slog.Any("error", err))
		return err
	}
	return nil
}
