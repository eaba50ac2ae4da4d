package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bandwatch/internal/engine"
	"bandwatch/internal/series"
)

func newTestServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	eng, err := engine.New(engine.Options{Settle: -1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := httptest.NewServer(NewServer(Deps{Engine: eng, Logger: zerolog.Nop()}, Config{}).Router())
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
	})
	return eng, srv
}

// pointsBody renders n hourly points around 10 with a missing value at index 3.
func pointsBody(n int) []byte {
	var b strings.Builder
	b.WriteString(`{"points":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == 3 {
			fmt.Fprintf(&b, `{"ts":%d,"value":null}`, i*3600)
			continue
		}
		fmt.Fprintf(&b, `{"ts":%d,"value":%g}`, i*3600, 10+float64(i%7)*0.1)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

func sampleSeries(n int) series.Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = 10 + float64(i%7)*0.1
	}
	return series.FromValues(0, 3600, values)
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFresh(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := eng.State(id); err == nil && st == engine.StateFresh {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("series %q never became fresh", id)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	if resp := do(t, http.MethodGet, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAppendThenGetOverlay(t *testing.T) {
	eng, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/overlays/cpu/points", pointsBody(72))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	waitFresh(t, eng, "cpu")

	resp = do(t, http.MethodGet, srv.URL+"/v1/overlays/cpu", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var view overlayView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != engine.StateFresh || view.Points != 72 || view.Result == nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.Result.Band.Points) != 72 || len(view.Result.Flags) != 72 {
		t.Errorf("band = %d points, flags = %d", len(view.Result.Band.Points), len(view.Result.Flags))
	}
	if view.Result.Flags[3].Value != nil {
		t.Error("missing observation should render as null")
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/overlays", nil)
	var list []overlayView
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Result == nil || len(list[0].Result.Band.Points) != 0 {
		t.Errorf("list should summarise without band points: %+v", list)
	}
}

func TestAppendRejectsBadPayload(t *testing.T) {
	_, srv := newTestServer(t)
	for _, body := range []string{`nope`, `{"points":[]}`} {
		if resp := do(t, http.MethodPost, srv.URL+"/v1/overlays/cpu/points", []byte(body)); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}
}

func TestConfigureOverlay(t *testing.T) {
	eng, srv := newTestServer(t)
	if err := eng.Register("cpu", engine.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPut, srv.URL+"/v1/overlays/cpu/config", []byte(`{"confidence_level":1.5}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid confidence status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPut, srv.URL+"/v1/overlays/missing/config", []byte(`{"pinned":true}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown series status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, srv.URL+"/v1/overlays/cpu/config", []byte(`{"confidence_level":0.8,"pinned":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status = %d", resp.StatusCode)
	}
	st, err := eng.Status("cpu")
	if err != nil {
		t.Fatal(err)
	}
	if st.Config.ConfidenceLevel != 0.8 || !st.Config.Pinned || !st.Config.DiscoverSeasonalities {
		t.Errorf("config = %+v", st.Config)
	}
}

func TestForecast(t *testing.T) {
	eng, srv := newTestServer(t)
	if err := eng.Register("cpu", engine.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/overlays/cpu/forecast", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("forecast before any result: status = %d", resp.StatusCode)
	}

	do(t, http.MethodPost, srv.URL+"/v1/overlays/cpu/points", pointsBody(48))
	waitFresh(t, eng, "cpu")

	if resp := do(t, http.MethodGet, srv.URL+"/v1/overlays/cpu/forecast?steps=abc", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad steps: status = %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, srv.URL+"/v1/overlays/cpu/forecast?steps=6", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forecast status = %d", resp.StatusCode)
	}
	var b struct {
		Confidence float64 `json:"confidence"`
		Points     []struct {
			TS int64 `json:"ts"`
		} `json:"points"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if len(b.Points) != 6 || b.Points[0].TS != 48*3600 || b.Confidence != 0.95 {
		t.Errorf("forecast = %+v", b)
	}
}

func TestAnomaliesWithoutStore(t *testing.T) {
	_, srv := newTestServer(t)
	if resp := do(t, http.MethodGet, srv.URL+"/v1/anomalies", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStreamSubscribe(t *testing.T) {
	eng, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe", Series: "missing"}); err != nil {
		t.Fatal(err)
	}
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "error" {
		t.Fatalf("subscribe to unknown series: %+v, %v", msg, err)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "subscribed" || msg.SubID == "" {
		t.Fatalf("subscribe: %+v, %v", msg, err)
	}

	if err := eng.Update("cpu", sampleSeries(48)); err != nil {
		t.Fatal(err)
	}
	for {
		var ev StreamMessage
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type == "event" && ev.State == "fresh" {
			if ev.Series != "cpu" || ev.Result == nil || len(ev.Result.Band.Points) != 48 {
				t.Errorf("unexpected event %+v", ev)
			}
			break
		}
	}

	if err := conn.WriteJSON(StreamMessage{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "error" {
		t.Errorf("unknown command: %+v, %v", msg, err)
	}
}

func TestShutdownClosesStreams(t *testing.T) {
	eng, err := engine.New(engine.Options{Settle: -1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close()
	api := NewServer(Deps{Engine: eng, Logger: zerolog.Nop()}, Config{})
	srv := httptest.NewUnstartedServer(api.Router())
	srv.Config.RegisterOnShutdown(api.closeStreams)
	srv.Start()
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(StreamMessage{Type: "subscribe"}); err != nil {
		t.Fatal(err)
	}
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "subscribed" {
		t.Fatalf("subscribe: %+v, %v", msg, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}
