package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halftermeyer/linkforest/pkg/core/types"
	"github.com/halftermeyer/linkforest/pkg/engine"
)

func newTestServer(t *testing.T, authToken string) (*Server, *httptest.Server) {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	eng, err := engine.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })

	s := NewServer(eng, ":0", authToken)
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestFullPipelineOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")

	// 1. Ingest a two-event component sharing a card.
	card := types.Entity{Kind: types.KindCard, Key: "4242"}
	for i, id := range []string{"a", "b"} {
		resp := postJSON(t, ts.URL+"/events", EventRequest{
			ID:        id,
			Timestamp: int64(1_000 * (i + 1)),
			Type:      "tx",
			Entities:  []types.Entity{card},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ingest %s: status %d", id, resp.StatusCode)
		}
		resp.Body.Close()
	}

	// 2. Build chains.
	link := decodeBody[LinkResponse](t, postJSON(t, ts.URL+"/forest/link", nil))
	if link.EdgesChanged != 1 {
		t.Errorf("edges changed = %d, want 1", link.EdgesChanged)
	}

	// 3. Merge batch.
	report := decodeBody[engine.BatchReport](t, postJSON(t, ts.URL+"/forest/process", nil))
	if report.Processed != 2 || len(report.Failures) != 0 {
		t.Fatalf("batch report = %+v", report)
	}

	// 4. Metrics.
	cm := decodeBody[ComputeMetricsResponse](t, postJSON(t, ts.URL+"/forest/metrics", nil))
	if cm.SnapshotsWritten != 2 {
		t.Errorf("snapshots = %d, want 2", cm.SnapshotsWritten)
	}

	// 5. Score a new event touching the component.
	score := decodeBody[ScoreResponse](t, postJSON(t, ts.URL+"/events/score", EventRequest{
		Timestamp: 9_000,
		Entities:  []types.Entity{card},
	}))
	if score.Features.DistinctComponentCount != 1 {
		t.Errorf("score distinct count = %d, want 1", score.Features.DistinctComponentCount)
	}
	if score.Features.MaxComponentSize == nil || *score.Features.MaxComponentSize != 2 {
		t.Errorf("score max size = %v, want 2", score.Features.MaxComponentSize)
	}

	// 6. Backward features for the head event.
	resp, err := http.Get(ts.URL + "/events/b/features")
	if err != nil {
		t.Fatal(err)
	}
	rec := decodeBody[types.FeatureRecord](t, resp)
	if rec.DistinctComponentCount != 1 {
		t.Errorf("backward distinct count = %d, want 1", rec.DistinctComponentCount)
	}

	// 7. Unknown event is a 404.
	resp, err = http.Get(ts.URL + "/events/ghost/features")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost features: status %d, want 404", resp.StatusCode)
	}
}

func TestIngestValidation(t *testing.T) {
	_, ts := newTestServer(t, "")

	// Missing timestamp.
	resp := postJSON(t, ts.URL+"/events", EventRequest{ID: "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing timestamp: status %d, want 400", resp.StatusCode)
	}

	// Entity without a key.
	resp = postJSON(t, ts.URL+"/events", EventRequest{
		Timestamp: 1_000,
		Entities:  []types.Entity{{Kind: types.KindIP}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad entity: status %d, want 400", resp.StatusCode)
	}

	// Blank ID gets generated.
	out := decodeBody[IngestResponse](t, postJSON(t, ts.URL+"/events", EventRequest{
		Timestamp: 1_000,
		Entities:  []types.Entity{{Kind: types.KindIP, Key: "10.0.0.1"}},
	}))
	if out.ID == "" {
		t.Error("expected a generated event ID")
	}
}

func TestBearerAuth(t *testing.T) {
	_, ts := newTestServer(t, "test-secret-token")

	// Healthz stays open.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d, want 200", resp.StatusCode)
	}

	// Protected endpoint without token.
	resp = postJSON(t, ts.URL+"/forest/link", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}

	// With token.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/forest/link", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Add("Authorization", "Bearer test-secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status %d, want 200", resp.StatusCode)
	}
}

func TestSystemReset(t *testing.T) {
	s, ts := newTestServer(t, "")

	resp := postJSON(t, ts.URL+"/events", EventRequest{
		ID:        "a",
		Timestamp: 1_000,
		Entities:  []types.Entity{{Kind: types.KindCard, Key: "4242"}},
	})
	resp.Body.Close()
	for _, path := range []string{"/forest/link", "/forest/process", "/forest/metrics"} {
		resp := postJSON(t, ts.URL+path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
	if !s.Engine.DB.Processed("a") {
		t.Fatal("a should be processed before reset")
	}

	resp = postJSON(t, ts.URL+"/system/reset", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}
	if s.Engine.DB.Processed("a") {
		t.Error("reset did not clear the processed flag")
	}
	if s.Engine.DB.EventCount() != 1 {
		t.Error("reset must keep raw events")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, "")

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/events"},
		{http.MethodGet, "/forest/process"},
		{http.MethodPost, "/events/a/features"},
	}
	for _, c := range cases {
		req, err := http.NewRequest(c.method, ts.URL+c.path, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status %d, want 405", c.method, c.path, resp.StatusCode)
		}
	}
}
