package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/app"
	_ "github.com/osvaldoandrade/runplane/pkg/auth/static" // Register static auth provider.
	"github.com/osvaldoandrade/runplane/pkg/config"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

const (
	benchUser         = "bench-user"
	benchClientToken  = "bench-client-token"
	benchMachineToken = "bench-machine-token"
)

func newBenchApp(b *testing.B) *app.Application {
	b.Helper()
	gin.SetMode(gin.ReleaseMode)

	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis start: %v", err)
	}
	b.Cleanup(mr.Close)

	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		b.Fatalf("config: %v", err)
	}
	cfg.Env = "dev"
	cfg.LogLevel = "error"
	cfg.RedisAddr = mr.Addr()
	// Benchmarks keep rate limiting disabled.
	cfg.RateLimit = config.RateLimitConfig{}
	cfg.ClientAuth = config.AuthProvider{Type: "static", Config: map[string]any{
		"token":   benchClientToken,
		"subject": benchUser,
		"scopes":  []string{"runplane:admin"},
	}}
	cfg.MachineAuth = config.AuthProvider{Type: "static", Config: map[string]any{
		"token":   benchMachineToken,
		"subject": "bench-machine",
	}}

	a, err := app.NewApplication(cfg)
	if err != nil {
		b.Fatalf("app init: %v", err)
	}
	app.SetupMappings(a)
	b.Cleanup(func() { a.Close(context.Background()) })

	ctx := context.Background()
	catalog := repository.NewCatalogRepository(a.Redis)
	if err := catalog.Put(ctx, repository.KindWorkflow, "wf-bench", domain.Workflow{ID: "wf-bench", UserID: benchUser, SelectedMachineID: "m-bench"}); err != nil {
		b.Fatalf("seed workflow: %v", err)
	}
	// high limit: every submission is admitted straight away
	if _, err := a.Machines.Upsert(ctx, domain.Machine{ID: "m-bench", Status: domain.MachineReady, ConcurrencyLimit: 1 << 20}); err != nil {
		b.Fatalf("seed machine: %v", err)
	}
	return a
}

func doJSONRequest(b *testing.B, h http.Handler, method, path, bearerToken string, body []byte) (int, []byte) {
	b.Helper()

	var rbody *bytes.Reader
	if body == nil {
		rbody = bytes.NewReader([]byte{})
	} else {
		rbody = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, path, rbody)
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func BenchmarkHTTP_SubmitRunComplete(b *testing.B) {
	a := newBenchApp(b)

	createBody := []byte(`{"workflow_id":"wf-bench","inputs":{"bench":true}}`)
	runningBody := []byte(`{"status":"running"}`)
	outputBody := []byte(`{"output_id":"o1","data":{"images":[{"url":"https://cdn/x.png","type":"output","filename":"x.png"}]}}`)
	successBody := []byte(`{"status":"success"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		status, resp := doJSONRequest(b, a.Engine, http.MethodPost, "/v1/runs", benchClientToken, createBody)
		if status != http.StatusCreated {
			b.Fatalf("create status %d body=%s", status, string(resp))
		}
		var created struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(resp, &created); err != nil || created.RunID == "" {
			b.Fatalf("create parse failed: err=%v body=%s", err, string(resp))
		}

		for _, step := range []struct {
			path string
			body []byte
		}{
			{"/status", runningBody},
			{"/outputs", outputBody},
			{"/status", successBody},
		} {
			status, resp = doJSONRequest(b, a.Engine, http.MethodPost, "/v1/runs/"+created.RunID+step.path, benchMachineToken, step.body)
			if status != http.StatusOK {
				b.Fatalf("%s status %d body=%s", step.path, status, string(resp))
			}
		}
	}
}

func BenchmarkService_SubmitAdvance(b *testing.B) {
	a := newBenchApp(b)
	ctx := context.Background()
	owner := domain.TenantIdentity{UserID: benchUser}
	req := domain.DispatchRequest{Kind: domain.DispatchByWorkflow, Ref: "wf-bench", Origin: domain.OriginAPI}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		run, err := a.Runs.Submit(ctx, owner, req)
		if err != nil {
			b.Fatalf("Submit: %v", err)
		}
		if _, err := a.Runs.Advance(ctx, run.ID, domain.RunRunning, time.Now()); err != nil {
			b.Fatalf("Advance running: %v", err)
		}
		if _, err := a.Runs.Advance(ctx, run.ID, domain.RunSuccess, time.Now()); err != nil {
			b.Fatalf("Advance success: %v", err)
		}
	}
}
