package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/push"
	"featurestore/internal/registry"
	"featurestore/internal/serving"
	"featurestore/internal/transformer"
)

// maxBody bounds request bodies.
const maxBody = 32 << 20

// inputError marks a request the caller must fix.
type inputError string

func (e inputError) Error() string { return string(e) }

// decode reads a JSON body, keeping numbers as json.Number.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return inputError("failed to read body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return inputError("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var ie inputError
	if errors.As(err, &ie) {
		writeError(w, http.StatusBadRequest, ie.Error())
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// handleGetOnlineFeatures handles POST /get-online-features.
func (s *Server) handleGetOnlineFeatures(w http.ResponseWriter, r *http.Request) {
	var req serving.OnlineRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if len(req.Features) == 0 && req.FeatureService == "" {
		s.fail(w, inputError("features or feature_service is required"))
		return
	}
	if len(req.Entities) == 0 {
		s.fail(w, inputError("entities is required"))
		return
	}

	resp, err := s.fs.GetOnlineFeatures(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{
		Metadata: onlineMetadata{FeatureNames: resp.FeatureNames},
		Results:  resp.Results,
	})
}

type onlineMetadata struct {
	FeatureNames []string `json:"feature_names"`
}

type onlineResponse struct {
	Metadata onlineMetadata          `json:"metadata"`
	Results  []serving.FeatureVector `json:"results"`
}

// pushRequest is the JSON body for POST /push.
type pushRequest struct {
	PushSourceName string           `json:"push_source_name"`
	DF             map[string][]any `json:"df"`
	To             string           `json:"to"`
}

type pushResponse struct {
	Rows     int      `json:"rows"`
	Views    []string `json:"views,omitempty"`
	Written  int64    `json:"written"`
	Rejected int      `json:"rejected,omitempty"`
	Part     string   `json:"part,omitempty"`
}

// handlePush handles POST /push.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.PushSourceName == "" {
		s.fail(w, inputError("push_source_name is required"))
		return
	}
	mode, err := push.ParseMode(req.To)
	if err != nil {
		s.fail(w, inputError(err.Error()))
		return
	}
	cols := make([]string, 0, len(req.DF))
	for c := range req.DF {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	f, err := transformer.FromColumns(cols, req.DF)
	if err != nil {
		s.fail(w, inputError(err.Error()))
		return
	}

	res, err := s.fs.Push(r.Context(), req.PushSourceName, f, mode)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{Rows: res.Rows, Views: res.Views, Written: res.Written, Rejected: res.Rejected, Part: res.Part})
}

// materializeRequest is the JSON body for POST /materialize and
// POST /materialize-incremental. Times are RFC 3339 strings or unix seconds.
type materializeRequest struct {
	StartTS      any      `json:"start_ts"`
	EndTS        any      `json:"end_ts"`
	FeatureViews []string `json:"feature_views"`
}

type materializeView struct {
	View     string    `json:"view"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Rows     int       `json:"rows"`
	Entities int       `json:"entities"`
}

func toViews(res materialize.Result) []materializeView {
	out := make([]materializeView, 0, len(res.Views))
	for _, v := range res.Views {
		out = append(out, materializeView{View: v.View, Start: v.Start, End: v.End, Rows: v.Rows, Entities: v.Entities})
	}
	return out
}

func parseTS(name string, v any, required bool) (time.Time, error) {
	t, ok, err := registry.ParseTime(v)
	if err != nil {
		return time.Time{}, inputError(fmt.Sprintf("%s: %v", name, err))
	}
	if !ok && required {
		return time.Time{}, inputError(name + " is required")
	}
	return t, nil
}

// handleMaterialize handles POST /materialize.
func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	var req materializeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	start, err := parseTS("start_ts", req.StartTS, false)
	if err != nil {
		s.fail(w, err)
		return
	}
	end, err := parseTS("end_ts", req.EndTS, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !start.IsZero() && !start.Before(end) {
		s.fail(w, inputError("start_ts must be before end_ts"))
		return
	}

	res, err := s.fs.Materialize(r.Context(), req.FeatureViews, start, end)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"views": toViews(res)})
}

// handleMaterializeIncremental handles POST /materialize-incremental.
func (s *Server) handleMaterializeIncremental(w http.ResponseWriter, r *http.Request) {
	var req materializeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	end, err := parseTS("end_ts", req.EndTS, true)
	if err != nil {
		s.fail(w, err)
		return
	}

	res, err := s.fs.MaterializeIncremental(r.Context(), req.FeatureViews, end)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"views": toViews(res)})
}

// writeJSON writes a JSON response with the given status code. The body is
// encoded before the header goes out so an encoding failure becomes a 500.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(map[string]string{"error": "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
