package api

import (
	"math"
	"time"

	"bandwatch/internal/anomaly"
	"bandwatch/internal/band"
	"bandwatch/internal/engine"
	"bandwatch/internal/model"
	"bandwatch/internal/seasonality"
)

// flagView renders a missing observation as a null value.
type flagView struct {
	Timestamp int64    `json:"ts"`
	Value     *float64 `json:"value"`
	Anomalous bool     `json:"anomalous"`
	Deviation float64  `json:"deviation,omitempty"`
}

type resultView struct {
	Generation uint64              `json:"generation"`
	Config     engine.Config       `json:"config"`
	Profile    seasonality.Profile `json:"profile"`
	Model      *model.Model        `json:"model,omitempty"`
	Band       band.Band           `json:"band"`
	Flags      []flagView          `json:"flags,omitempty"`
	Anomalies  int                 `json:"anomalies"`
	ComputedAt time.Time           `json:"computed_at"`
}

type overlayView struct {
	Identity  string        `json:"identity"`
	State     engine.State  `json:"state"`
	Config    engine.Config `json:"config"`
	Pending   bool          `json:"pending"`
	LastError string        `json:"last_error,omitempty"`
	Points    int           `json:"points"`
	Result    *resultView   `json:"result,omitempty"`
}

func newFlagViews(flags []anomaly.Flag) []flagView {
	out := make([]flagView, len(flags))
	for i, f := range flags {
		out[i] = flagView{Timestamp: f.Timestamp, Anomalous: f.Anomalous, Deviation: f.Deviation}
		if !math.IsNaN(f.Value) {
			v := f.Value
			out[i].Value = &v
		}
	}
	return out
}

func newResultView(res *engine.Result, withPoints bool) *resultView {
	if res == nil {
		return nil
	}
	v := &resultView{
		Generation: res.Generation,
		Config:     res.Config,
		Profile:    res.Profile,
		Model:      res.Model,
		Band:       band.Band{Confidence: res.Band.Confidence},
		Anomalies:  anomaly.Count(res.Flags),
		ComputedAt: res.ComputedAt,
	}
	if v.Profile == nil {
		v.Profile = seasonality.Profile{}
	}
	if withPoints {
		v.Band = res.Band
		v.Flags = newFlagViews(res.Flags)
	}
	return v
}

func newOverlayView(st engine.Status, withPoints bool) overlayView {
	v := overlayView{
		Identity:  st.Identity,
		State:     st.State,
		Config:    st.Config,
		Pending:   st.Pending,
		LastError: st.LastError,
		Result:    newResultView(st.Result, withPoints),
	}
	if st.Result != nil {
		v.Points = st.Result.Series.Len()
	}
	return v
}
