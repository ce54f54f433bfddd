package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/troupeai/troupe/pkg/agent"
	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/conversation"
	"github.com/troupeai/troupe/pkg/fallback"
	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/orchestrator"
	"github.com/troupeai/troupe/pkg/ratelimit"
	"github.com/troupeai/troupe/pkg/registry"
	"github.com/troupeai/troupe/pkg/retry"
	"github.com/troupeai/troupe/pkg/tools"
)

const analystDef = `---
id: analyst
name: Alex
title: Business Analyst
icon: "chart"
---
Curious and precise.
`

type fixture struct {
	server *Server
	stubs  map[string]*llms.StubProvider
}

func newFixture(t *testing.T, chain ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	manual := clock.NewManual(time.Unix(1700000000, 0))
	store := kv.NewMemoryStoreWithNow(manual.Now)

	agentDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(agentDir, "analyst.md"), []byte(analystDef), 0644); err != nil {
		t.Fatal(err)
	}
	loader := agent.NewLoader(agentDir, store, nil)
	if err := loader.Load(ctx); err != nil {
		t.Fatal(err)
	}

	providers := registry.New[llms.Provider]()
	stubs := make(map[string]*llms.StubProvider)
	limits := make(map[string]*config.RateLimitConfig)
	for _, name := range chain {
		cfg := &config.ProviderConfig{Type: "stub", Model: "stub-model", Tier: config.TierWorker}
		cfg.SetDefaults()
		stub := llms.NewStubProvider(name, cfg)
		stubs[name] = stub
		if err := providers.Register(name, stub); err != nil {
			t.Fatal(err)
		}
		limits[name] = &config.RateLimitConfig{RPM: 1000, Burst: 1000, TokensPerMinute: 100000}
	}
	gate := ratelimit.NewRateGate(store, manual, &config.Config{
		RateLimits:  limits,
		Concurrency: config.ConcurrencyConfig{MaxParallel: 4},
	}, slog.Default())

	engine := retry.NewEngine(retry.Policy{MaxAttempts: 3}, retry.WithReporter(gate.Throttle()))
	chains := map[string]*config.ChainConfig{
		"analyst": {Primary: chain[0], Fallbacks: chain[1:]},
	}
	validator := fallback.NewValidator(config.QualityConfig{WorkerMinLength: 1, BossMinLength: 1})
	chainExec := fallback.NewExecutor(providers, chains, gate, engine, validator, slog.Default())

	root := t.TempDir()
	sandbox := tools.NewSandbox(config.ToolsConfig{
		ProjectRoot:    root,
		ReadWhitelist:  []string{"docs/"},
		WriteWhitelist: []string{"docs/"},
		MaxFileSize:    1 << 20,
		MaxCallsPerRun: 20,
	})
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, sandbox, "http://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	toolExec := tools.NewExecutor(toolReg, 20, nil)
	orch := orchestrator.New(
		loader,
		conversation.NewStore(store, nil),
		chainExec,
		toolExec,
		orchestrator.Options{},
		slog.Default(),
	)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, orch, loader, toolExec, gate, providers, slog.Default())
	return &fixture{server: srv, stubs: stubs}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestExecuteEndpoint(t *testing.T) {
	f := newFixture(t, "stub_a")
	f.stubs["stub_a"].Script(llms.StubResult{Response: &llms.Response{
		Content: "hello there", Model: "stub-model", TokensInput: 5, TokensOutput: 3, FinishReason: "stop",
	}})

	rec := f.do(t, http.MethodPost, "/v1/agents/analyst/execute", executeRequest{
		UserID: "u1", Task: "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	res := decode[orchestrator.Result](t, rec)
	if res.Content != "hello there" || res.Provider != "stub_a" || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, "stub_a")

	rec := f.do(t, http.MethodPost, "/v1/agents/analyst/execute", executeRequest{UserID: "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing task: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/agents/analyst/execute", executeRequest{
		UserID: "u1", Task: "hi", Mode: "dangerous",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/analyst/execute", strings.NewReader("not json"))
	rec2 := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", rec2.Code)
	}
}

func TestExecuteUnknownAgent(t *testing.T) {
	f := newFixture(t, "stub_a")

	rec := f.do(t, http.MethodPost, "/v1/agents/nobody/execute", executeRequest{
		UserID: "u1", Task: "hi",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[errorResponse](t, rec)
	if res.Kind != "agent_not_found" {
		t.Errorf("kind = %s", res.Kind)
	}
	if len(res.Available) != 1 || res.Available[0] != "analyst" {
		t.Errorf("available = %v", res.Available)
	}
}

func TestExecuteChainExhausted(t *testing.T) {
	f := newFixture(t, "stub_a", "stub_b")
	deny := &llms.ProviderError{Kind: llms.FailureRateLimited, Status: 429}
	f.stubs["stub_a"].Script(llms.StubResult{Err: deny})
	f.stubs["stub_b"].Script(llms.StubResult{Err: deny})

	rec := f.do(t, http.MethodPost, "/v1/agents/analyst/execute", executeRequest{
		UserID: "u1", Task: "hi",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	res := decode[errorResponse](t, rec)
	if res.Kind != string(llms.FailureChainExhausted) {
		t.Errorf("kind = %s", res.Kind)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Provider != "stub_a" {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if !strings.Contains(res.Hint, "/v1/providers/status") {
		t.Errorf("hint = %q", res.Hint)
	}
}

func TestListAgents(t *testing.T) {
	f := newFixture(t, "stub_a")

	rec := f.do(t, http.MethodGet, "/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	agents := decode[[]agentListing](t, rec)
	if len(agents) != 1 {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].ID != "analyst" || agents[0].Name != "Alex" || agents[0].Icon != "chart" {
		t.Errorf("agent = %+v", agents[0])
	}

	// The listing advertises the registered tools.
	advertised := strings.Join(agents[0].AvailableTools, ",")
	for _, name := range []string{"load_file", "save_file", "list_directory", "web_search"} {
		if !strings.Contains(advertised, name) {
			t.Errorf("available_tools = %v, missing %s", agents[0].AvailableTools, name)
		}
	}
}

func TestProviderStatus(t *testing.T) {
	f := newFixture(t, "stub_a", "stub_b")
	f.stubs["stub_b"].SetHealthy(false)

	rec := f.do(t, http.MethodGet, "/v1/providers/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	statuses := decode[[]providerStatus](t, rec)
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	byName := make(map[string]providerStatus)
	for _, st := range statuses {
		byName[st.Name] = st
	}
	if st := byName["stub_a"]; !st.Healthy || st.ConfiguredRPM != 1000 || st.EffectiveRPM != 1000 {
		t.Errorf("stub_a = %+v", st)
	}
	if st := byName["stub_b"]; st.Healthy {
		t.Errorf("stub_b should be unhealthy: %+v", st)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "stub_a")

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing standard collectors")
	}
}
