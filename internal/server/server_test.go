package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/metrics"
	"featurestore/internal/push"
	"featurestore/internal/registry"
	"featurestore/internal/repo/booking"
	"featurestore/internal/serving"
	"featurestore/internal/transformer"
)

type mockBackend struct {
	reg *registry.Registry

	onlineReq  serving.OnlineRequest
	onlineErr  error
	onlineResp *serving.OnlineResponse

	pushSource string
	pushFrame  *transformer.Frame
	pushMode   push.Mode
	pushErr    error

	matViews      []string
	matStart      time.Time
	matEnd        time.Time
	incremental   bool
	materializeOK materialize.Result
}

func (m *mockBackend) Registry() *registry.Registry { return m.reg }

func (m *mockBackend) GetOnlineFeatures(_ context.Context, req serving.OnlineRequest) (*serving.OnlineResponse, error) {
	m.onlineReq = req
	if m.onlineErr != nil {
		return nil, m.onlineErr
	}
	if m.onlineResp != nil {
		return m.onlineResp, nil
	}
	return &serving.OnlineResponse{
		FeatureNames: []string{"booking_id", "great_feature1"},
		Results: []serving.FeatureVector{
			{Values: []any{"1"}, Statuses: []serving.Status{serving.Present}, EventTimestamps: []*time.Time{nil}},
			{Values: []any{2.5}, Statuses: []serving.Status{serving.Present}, EventTimestamps: []*time.Time{nil}},
		},
	}, nil
}

func (m *mockBackend) Push(_ context.Context, source string, f *transformer.Frame, mode push.Mode) (push.Result, error) {
	m.pushSource, m.pushFrame, m.pushMode = source, f, mode
	if m.pushErr != nil {
		return push.Result{}, m.pushErr
	}
	return push.Result{Rows: f.Len(), Views: []string{"pc_booking_view"}, Written: 2}, nil
}

func (m *mockBackend) Materialize(_ context.Context, views []string, start, end time.Time) (materialize.Result, error) {
	m.matViews, m.matStart, m.matEnd = views, start, end
	return m.materializeOK, nil
}

func (m *mockBackend) MaterializeIncremental(_ context.Context, views []string, end time.Time) (materialize.Result, error) {
	m.matViews, m.matEnd, m.incremental = views, end, true
	return m.materializeOK, nil
}

func newTestServer(t *testing.T) (*mockBackend, http.Handler) {
	t.Helper()
	reg := registry.New("proj")
	if _, err := reg.Apply(booking.Objects()...); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m := &mockBackend{reg: reg}
	return m, New(m, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type recorder struct {
	counters map[string]float64
}

func (r *recorder) IncCounter(name string, delta float64, l metrics.Labels) {
	r.counters[name+"/"+l["status"]] += delta
}
func (r *recorder) ObserveHistogram(string, float64, metrics.Labels) {}
func (r *recorder) Flush() error                                     { return nil }

func TestHealth_RequestIDAndMetrics(t *testing.T) {
	rec := &recorder{counters: map[string]float64{}}
	metrics.SetBackend(rec)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	_, h := newTestServer(t)
	resp := do(t, h, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || decodeBody(t, resp)["status"] != "ok" {
		t.Fatalf("health=%d %s", resp.Code, resp.Body)
	}
	if id := resp.Header().Get(RequestIDHeader); len(id) != 36 {
		t.Fatalf("request id=%q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("request id not propagated")
	}
	if rec.counters[metrics.HTTPRequestsTotal+"/200"] != 2 {
		t.Fatalf("counters=%v", rec.counters)
	}
}

func TestGetOnlineFeatures(t *testing.T) {
	m, h := newTestServer(t)
	resp := do(t, h, http.MethodPost, "/get-online-features",
		`{"feature_service":"fs_service_pc","entities":{"booking_id":[1]},"request_data":{"kpi1":[0.5]},"full_feature_names":true}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.Code, resp.Body)
	}
	if m.onlineReq.FeatureService != "fs_service_pc" || !m.onlineReq.FullFeatureNames {
		t.Fatalf("req=%+v", m.onlineReq)
	}
	if v := m.onlineReq.Entities["booking_id"][0]; v != json.Number("1") {
		t.Fatalf("entity value=%#v", v)
	}
	body := decodeBody(t, resp)
	names := body["metadata"].(map[string]any)["feature_names"].([]any)
	if len(names) != 2 || names[1] != "great_feature1" {
		t.Fatalf("body=%v", body)
	}
}

func TestGetOnlineFeatures_NonFiniteValues(t *testing.T) {
	m, h := newTestServer(t)
	m.onlineResp = &serving.OnlineResponse{
		FeatureNames: []string{"booking_id", "great_feature1_kpi1"},
		Results: []serving.FeatureVector{
			{Values: []any{"1", "2", "3"}, Statuses: []serving.Status{serving.Present, serving.Present, serving.Present}, EventTimestamps: make([]*time.Time, 3)},
			{Values: []any{math.Inf(1), math.NaN(), math.Inf(-1)}, Statuses: []serving.Status{serving.Present, serving.Present, serving.Present}, EventTimestamps: make([]*time.Time, 3)},
		},
	}
	resp := do(t, h, http.MethodPost, "/get-online-features",
		`{"feature_service":"dsrp_feature_service","entities":{"booking_id":[1,2,3]},"request_data":{"kpi1":[1e308,0,1],"kpi2":[1,1,1]}}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.Code, resp.Body)
	}
	body := decodeBody(t, resp)
	got := body["results"].([]any)[1].(map[string]any)["values"].([]any)
	want := []any{"Infinity", "NaN", "-Infinity"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("values=%v", got)
	}
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"v": []any{math.Inf(1)}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] == nil {
		t.Fatalf("body=%v", body)
	}
}

func TestGetOnlineFeatures_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"no features", `{"entities":{"booking_id":[1]}}`, nil, http.StatusBadRequest},
		{"no entities", `{"features":["pc_booking_view:great_feature1"]}`, nil, http.StatusBadRequest},
		{"not found", `{"feature_service":"x","entities":{"booking_id":[1]}}`, fmt.Errorf("feature service %q: %w", "x", registry.ErrNotFound), http.StatusNotFound},
		{"missing request data", `{"feature_service":"dsrp_feature_service","entities":{"booking_id":[1]}}`, fmt.Errorf("view: %w: kpi1", serving.ErrMissingRequestData), http.StatusBadRequest},
		{"store failure", `{"feature_service":"fs_service_pc","entities":{"booking_id":[1]}}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, h := newTestServer(t)
			m.onlineErr = tc.err
			resp := do(t, h, http.MethodPost, "/get-online-features", tc.body)
			if resp.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", resp.Code, tc.want, resp.Body)
			}
			if decodeBody(t, resp)["error"] == nil {
				t.Fatalf("missing error message")
			}
		})
	}
}

func TestPush(t *testing.T) {
	m, h := newTestServer(t)
	resp := do(t, h, http.MethodPost, "/push",
		`{"push_source_name":"booking_push_source","df":{"booking_id":["1","2"],"great_feature1":[1,2]},"to":"online_and_offline"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.Code, resp.Body)
	}
	if m.pushSource != "booking_push_source" || m.pushMode != push.OnlineAndOffline || m.pushFrame.Len() != 2 {
		t.Fatalf("push=%s %s %v", m.pushSource, m.pushMode, m.pushFrame)
	}
	if got := strings.Join(m.pushFrame.Columns, ","); got != "booking_id,great_feature1" {
		t.Fatalf("columns=%s", got)
	}
	if body := decodeBody(t, resp); body["rows"] != 2.0 {
		t.Fatalf("body=%v", body)
	}

	for _, bad := range []string{
		`{"df":{"a":[1]}}`,
		`{"push_source_name":"s","df":{"a":[1]},"to":"nowhere"}`,
		`{"push_source_name":"s","df":{"a":[1],"b":[1,2]}}`,
	} {
		if resp := do(t, h, http.MethodPost, "/push", bad); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", bad, resp.Code)
		}
	}

	m.pushErr = fmt.Errorf("push: %w: event_timestamp", transformer.ErrMissingColumn)
	if resp := do(t, h, http.MethodPost, "/push", `{"push_source_name":"s","df":{"a":[1]}}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("missing column status=%d", resp.Code)
	}
}

func TestMaterialize(t *testing.T) {
	m, h := newTestServer(t)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	m.materializeOK = materialize.Result{Views: []materialize.ViewResult{{View: "pc_booking_view", End: end, Rows: 3, Entities: 2}}}

	resp := do(t, h, http.MethodPost, "/materialize",
		`{"start_ts":"2024-01-01T00:00:00Z","end_ts":1704240000,"feature_views":["pc_booking_view"]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.Code, resp.Body)
	}
	if !m.matStart.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !m.matEnd.Equal(end) || m.matViews[0] != "pc_booking_view" {
		t.Fatalf("start=%v end=%v views=%v", m.matStart, m.matEnd, m.matViews)
	}
	views := decodeBody(t, resp)["views"].([]any)
	if len(views) != 1 || views[0].(map[string]any)["entities"] != 2.0 {
		t.Fatalf("views=%v", views)
	}

	for _, bad := range []string{
		`{"start_ts":"2024-01-01T00:00:00Z"}`,
		`{"end_ts":"yesterday"}`,
		`{"start_ts":"2024-01-05T00:00:00Z","end_ts":"2024-01-01T00:00:00Z"}`,
	} {
		if resp := do(t, h, http.MethodPost, "/materialize", bad); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", bad, resp.Code)
		}
	}
}

func TestMaterializeIncremental(t *testing.T) {
	m, h := newTestServer(t)
	resp := do(t, h, http.MethodPost, "/materialize-incremental", `{"end_ts":"2024-01-03T00:00:00Z"}`)
	if resp.Code != http.StatusOK || !m.incremental || len(m.matViews) != 0 {
		t.Fatalf("status=%d incremental=%v views=%v", resp.Code, m.incremental, m.matViews)
	}
	if resp := do(t, h, http.MethodPost, "/materialize-incremental", `{}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("missing end status=%d", resp.Code)
	}
}

func TestRegistry(t *testing.T) {
	_, h := newTestServer(t)
	resp := do(t, h, http.MethodGet, "/registry", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["project"] != "proj" || len(body["feature_views"].([]any)) != 1 || len(body["feature_services"].([]any)) != 2 {
		t.Fatalf("body=%v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, h := newTestServer(t)
	if resp := do(t, h, http.MethodGet, "/get-online-features", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.Code)
	}
}
