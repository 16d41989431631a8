package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-answer/internal/bus/bustest"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/eventstore"
	"github.com/loqalabs/loqa-answer/internal/matcher"
	"github.com/loqalabs/loqa-answer/internal/protocol"
	"github.com/loqalabs/loqa-answer/internal/similarity"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "decisions.db")

	store, err := eventstore.Open(ctx, cfg.EventStore, bustest.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f, err := LoadFlow(cfg.Matcher)
	if err != nil {
		t.Fatalf("load flow: %v", err)
	}
	svc, err := matcher.NewService(ctx, cfg.Matcher, nil, f, store, nil, bustest.Logger())
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	mux := http.NewServeMux()
	(&api{
		matcher:      svc,
		store:        store,
		maxInput:     16,
		maxBodyBytes: 1024,
		logger:       bustest.Logger(),
	}).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestClassifyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := post(t, srv.URL+"/v1/classify", `{"text":"健康でs","references":["健康です","具合が悪い"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var got classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Outcome != similarity.OutcomeMatch || got.Index != 0 || got.Reference != "健康です" {
		t.Fatalf("unexpected response %+v", got)
	}

	resp = post(t, srv.URL+"/v1/classify", `{"text":"abx","references":["abc","abd"]}`)
	got = classifyResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Outcome != similarity.OutcomeTie || got.Reference != "" {
		t.Fatalf("expected tie, got %+v", got)
	}
}

func TestClassifyEndpointErrors(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"no references", `{"text":"x","references":[]}`, http.StatusBadRequest},
		{"server limit", `{"text":"this transcript is too long","references":["a"]}`, http.StatusRequestEntityTooLarge},
		{"bad scoring", `{"text":"x","references":["a"],"scoring":"fuzzy"}`, http.StatusBadRequest},
		{"unknown field", `{"txt":"x","references":["a"]}`, http.StatusBadRequest},
		{"body too large", `{"text":"` + strings.Repeat("a", 2048) + `","references":["a"]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		if resp := post(t, srv.URL+"/v1/classify", tc.body); resp.StatusCode != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestDistanceEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv.URL+"/v1/distance", `{"a":"kitten","b":"sitting"}`)
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["distance"] != 3 {
		t.Fatalf("unexpected distance %v", got)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := post(t, srv.URL+"/v1/sessions/kiosk-1/transcripts", `{"text":"具合が悪い"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var d protocol.AnswerDecision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.NextID != "second" || !d.Moved {
		t.Fatalf("unexpected decision %+v", d)
	}

	if resp := post(t, srv.URL+"/v1/sessions/kiosk-1/reset", ``); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status %d", resp.StatusCode)
	}

	res, err := http.Get(srv.URL + "/v1/sessions/kiosk-1/decisions?limit=5")
	if err != nil {
		t.Fatalf("get decisions: %v", err)
	}
	defer res.Body.Close()
	var decisions []eventstore.Decision
	if err := json.NewDecoder(res.Body).Decode(&decisions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decisions) != 1 || decisions[0].ID != d.ID {
		t.Fatalf("unexpected ledger %+v", decisions)
	}

	bad, err := http.Get(srv.URL + "/v1/sessions/kiosk-1/decisions?limit=zero")
	if err != nil {
		t.Fatalf("get decisions: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestLoadFlowFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	data := []byte("start: q\nquestions:\n  - id: q\n    answers:\n      - {phrase: okay, next: end}\n  - id: end\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Matcher
	cfg.FlowPath = path
	f, err := LoadFlow(cfg)
	if err != nil {
		t.Fatalf("load flow: %v", err)
	}
	if f.Start() != "q" {
		t.Fatalf("unexpected start %q", f.Start())
	}
	cfg.FlowPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := LoadFlow(cfg); err == nil {
		t.Fatal("expected error for missing flow file")
	}
}

func TestStartFailsCleanlyOnBadFlow(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Matcher.FlowPath = filepath.Join(t.TempDir(), "missing.yaml")
	rt := New(cfg, bustest.Logger())
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
}
