package app

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/runplane/internal/storage"
	_ "github.com/osvaldoandrade/runplane/pkg/auth/jwks"
	_ "github.com/osvaldoandrade/runplane/pkg/auth/static"
	"github.com/osvaldoandrade/runplane/pkg/config"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const machineToken = "machine-token"

type objectStub struct{ bucket, key string }

func (o *objectStub) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	o.bucket, o.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader("model-bytes")),
		ContentLength: aws.Int64(11),
		ContentType:   aws.String("application/octet-stream"),
	}, nil
}

type hookRecorder struct {
	mu       sync.Mutex
	byStatus map[string]map[string]any
	count    int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(b, &payload)
	h.mu.Lock()
	if h.byStatus == nil {
		h.byStatus = map[string]map[string]any{}
	}
	status, _ := payload["status"].(string)
	h.byStatus[status] = payload
	h.count++
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestHTTPIntegrationFlow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key gen: %v", err)
	}
	const kid = "test-kid"
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(privKey.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{"kty": "RSA", "kid": kid, "n": n, "e": e}},
		})
	}))
	t.Cleanup(jwksSrv.Close)

	hooks := &hookRecorder{}
	hookSrv := httptest.NewServer(hooks)
	t.Cleanup(hookSrv.Close)

	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.RedisAddr = mr.Addr()
	cfg.LogLevel = "error"
	cfg.WebhookHmacSecret = "secret"
	cfg.S3AccessKeyID, cfg.S3SecretAccessKey = "global", "global-secret"
	cfg.ClientAuth = config.AuthProvider{Type: "jwks", Config: map[string]any{
		"jwksUrl":  jwksSrv.URL,
		"issuer":   "runplane-test",
		"audience": "runplane-api",
	}}
	cfg.MachineAuth = config.AuthProvider{Type: "static", Config: map[string]any{"token": machineToken, "subject": "m1"}}
	cfg.Env = "dev"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	objects := &objectStub{}
	app, err := NewApplication(cfg, WithObjectClientFactory(func(context.Context, storage.Credentials) (storage.ObjectGetter, error) {
		return objects, nil
	}))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	SetupMappings(app)
	server := httptest.NewServer(app.Engine)
	t.Cleanup(server.Close)
	t.Cleanup(func() { app.Close(context.Background()) })

	admin := signJWT(t, privKey, kid, map[string]any{"sub": "ops", "scope": "runplane:admin"})
	user := signJWT(t, privKey, kid, map[string]any{"sub": "u1"})
	c := &client{t: t, base: server.URL}

	c.call(http.MethodPut, "/v1/admin/catalog/workflows/wf1", admin, map[string]any{"user_id": "u1", "selected_machine_id": "m1"}, http.StatusNoContent, nil)
	c.call(http.MethodPut, "/v1/admin/machines/m1", admin, map[string]any{"status": "ready", "concurrency_limit": 1}, http.StatusOK, nil)
	c.call(http.MethodPut, "/v1/admin/machines/m1", user, map[string]any{"status": "ready"}, http.StatusForbidden, nil)

	var created map[string]any
	c.call(http.MethodPost, "/v1/runs", user, map[string]any{"workflow_id": "wf1", "webhook": hookSrv.URL}, http.StatusCreated, &created)
	runID := created["run_id"].(string)
	if created["status"] != string(domain.RunStarted) {
		t.Fatalf("run should start immediately, got %v", created["status"])
	}

	c.call(http.MethodPost, "/v1/runs/"+runID+"/status", "", map[string]any{"status": "running"}, http.StatusUnauthorized, nil)
	c.call(http.MethodPost, "/v1/runs/"+runID+"/status", machineToken, map[string]any{"status": "running"}, http.StatusOK, nil)
	c.call(http.MethodPost, "/v1/runs/"+runID+"/outputs", machineToken, map[string]any{
		"output_id": "o1",
		"data":      map[string]any{"images": []any{map[string]any{"url": "https://cdn/x.png", "type": "output", "filename": "x.png"}}},
	}, http.StatusOK, nil)
	c.call(http.MethodPost, "/v1/runs/"+runID+"/status", machineToken, map[string]any{"status": "success"}, http.StatusOK, nil)

	var view map[string]any
	c.call(http.MethodGet, "/v1/runs/"+runID, user, nil, http.StatusOK, &view)
	if view["status"] != string(domain.RunSuccess) || view["progress"] != 1.0 {
		t.Fatalf("unexpected run view: %v", view)
	}
	if outs, _ := view["outputs"].([]any); len(outs) != 1 {
		t.Fatalf("expected one output, got %v", view["outputs"])
	}

	app.Notifier.Wait()
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	// deliveries are concurrent, so only membership is checked
	for _, s := range []string{"queued", "started", "running", "uploading", "success"} {
		if hooks.byStatus[s] == nil {
			t.Fatalf("missing %s webhook; got %d deliveries", s, hooks.count)
		}
	}
	if hooks.count != 5 {
		t.Fatalf("expected 5 deliveries, got %d", hooks.count)
	}
	if outs, _ := hooks.byStatus["success"]["outputs"].([]any); len(outs) != 1 {
		t.Fatalf("final webhook should carry outputs: %v", hooks.byStatus["success"])
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/proxy/model/models/sd/v1.safetensors", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "model-bytes" {
		t.Fatalf("proxy: %d %q", resp.StatusCode, body)
	}
	if objects.bucket != "models" || objects.key != "sd/v1.safetensors" {
		t.Fatalf("proxy requested %s/%s", objects.bucket, objects.key)
	}

	resp, err = http.Get(server.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %v %v", resp, err)
	}
	resp.Body.Close()
}

type client struct {
	t    *testing.T
	base string
}

func (c *client) call(method, path, token string, body any, want int, out any) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, c.base+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		c.t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func signJWT(t *testing.T, key *rsa.PrivateKey, kid string, extra map[string]any) string {
	t.Helper()
	now := time.Now().Unix()
	claims := map[string]any{
		"iss": "runplane-test",
		"aud": "runplane-api",
		"exp": now + 3600,
		"iat": now - 10,
	}
	for k, v := range extra {
		claims[k] = v
	}
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	signingInput := enc(map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}) + "." + enc(claims)
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}
