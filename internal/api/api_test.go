package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneshot.link/config"
	"oneshot.link/internal/crypto"
	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/passphrase"
	"oneshot.link/internal/ratelimit"
	"oneshot.link/internal/receipt"
	"oneshot.link/internal/scope"
	"oneshot.link/internal/store"
)

const signKey = "test-sign-key"

var fastParams = crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = "https://oneshot.test"
	cfg.Server.AllowedOrigins = []string{"https://app.oneshot.test"}
	cfg.Auth.TokenSignKey = signKey
	cfg.Auth.TokenIssuer = "oneshot"
	cfg.RateLimit.Enabled = false
	return cfg
}

// newService wires a lifecycle over memory stores for the default and "eu"
// partitions.
func newService(t *testing.T) *lifecycle.Service {
	t.Helper()
	return newServiceWith(t, lifecycle.DefaultOptions())
}

func newServiceWith(t *testing.T, opts lifecycle.Options) *lifecycle.Service {
	t.Helper()

	registry := store.NewRegistry(models.DefaultScope)
	for _, s := range []models.Scope{models.DefaultScope, "eu"} {
		mem := store.NewMemoryStore(0)
		registry.Register(s, mem)
	}

	tracker, err := receipt.NewTracker(registry, 30*24*time.Hour, 0, logger.Nop())
	require.NoError(t, err)

	failures := ratelimit.NewMemoryLimiter(15 * time.Minute)
	gate := passphrase.NewGate(failures, 5, fastParams, logger.Nop())

	resolver, err := scope.NewResolver(map[string]string{"eu.example.com": "eu"}, models.DefaultScope)
	require.NoError(t, err)

	sealer, err := crypto.NewSealer(crypto.GenerateMasterKey())
	require.NoError(t, err)

	t.Cleanup(func() {
		tracker.Close()
		_ = failures.Close()
		_ = registry.Close()
	})

	return lifecycle.New(registry, resolver, gate, tracker, sealer, opts, logger.Nop())
}

func newServer(t *testing.T, secrets Secrets, cfg *config.Config, limiters Limiters) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(SetupRouter(secrets, cfg, limiters, logger.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	base  string
	token string
	host  string
}

func (c *client) do(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.host != "" {
		req.Host = c.host
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func token(t *testing.T, subject, issuer, key string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func TestHealth(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	resp, raw := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(requestIDHeader))
}

func TestCreateAndReveal(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "db password: hunter2", TTLSeconds: 600})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	created := decode[CreateResponse](t, raw)
	assert.Equal(t, "default", created.Partition)
	assert.Equal(t, "https://oneshot.test/s/"+created.SecretID, created.ShareURL)
	assert.Equal(t, "https://oneshot.test/r/"+created.ReceiptID, created.ReceiptURL)
	assert.False(t, created.PassphraseRequired)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), created.ExpiresAt, 5*time.Second)

	resp, raw = c.do(http.MethodGet, "/api/v1/secrets/"+created.SecretID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[StatusResponse](t, raw).PassphraseRequired)

	resp, raw = c.do(http.MethodPost, "/api/v1/secrets/"+created.SecretID+"/reveal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "db password: hunter2", decode[RevealResponse](t, raw).Content)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, raw = c.do(http.MethodPost, "/api/v1/secrets/"+created.SecretID+"/reveal", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "secret not found", decode[ErrorResponse](t, raw).Error)

	resp, _ = c.do(http.MethodGet, "/api/v1/secrets/"+created.SecretID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// S1/S2 over HTTP: missing and wrong passphrases leave the secret intact,
// the correct one consumes it, and the receipt never exposes content.
func TestProtectedSecretScenario(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "launch codes", Passphrase: "correct horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	created := decode[CreateResponse](t, raw)
	assert.True(t, created.PassphraseRequired)

	resp, raw = c.do(http.MethodGet, "/api/v1/secrets/"+created.SecretID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[StatusResponse](t, raw).PassphraseRequired)

	reveal := "/api/v1/secrets/" + created.SecretID + "/reveal"

	resp, raw = c.do(http.MethodPost, reveal, RevealRequest{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "passphrase required", decode[ErrorResponse](t, raw).Error)

	resp, raw = c.do(http.MethodPost, reveal, RevealRequest{Passphrase: "battery staple"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "incorrect passphrase", decode[ErrorResponse](t, raw).Error)

	resp, raw = c.do(http.MethodGet, "/api/v1/receipts/"+created.ReceiptID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", decode[map[string]any](t, raw)["state"])

	resp, raw = c.do(http.MethodPost, reveal, RevealRequest{Passphrase: "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "launch codes", decode[RevealResponse](t, raw).Content)

	resp, _ = c.do(http.MethodPost, reveal, RevealRequest{Passphrase: "correct horse"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = c.do(http.MethodGet, "/api/v1/receipts/"+created.ReceiptID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, raw)
	assert.Equal(t, "viewed", body["state"])
	assert.Equal(t, created.ReceiptID, body["receipt_id"])
	assert.Equal(t, true, body["passphrase_required"])
	assert.NotContains(t, body, "content")
	assert.NotContains(t, string(raw), "launch codes")
	assert.NotContains(t, string(raw), created.SecretID)
	assert.NotContains(t, string(raw), "argon2")
}

func TestLockoutReadsAsIncorrectPassphrase(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	_, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "x", Passphrase: "right"})
	created := decode[CreateResponse](t, raw)
	reveal := "/api/v1/secrets/" + created.SecretID + "/reveal"

	for i := 0; i < 6; i++ {
		resp, raw := c.do(http.MethodPost, reveal, RevealRequest{Passphrase: "wrong"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "incorrect passphrase", decode[ErrorResponse](t, raw).Error)
	}

	resp, _ := c.do(http.MethodPost, reveal, RevealRequest{Passphrase: "right"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGenerate(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets/generate", GenerateRequest{Length: 24})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	created := decode[CreateResponse](t, raw)
	assert.Len(t, created.Value, 24)

	_, raw = c.do(http.MethodPost, "/api/v1/secrets/"+created.SecretID+"/reveal", nil)
	assert.Equal(t, created.Value, decode[RevealResponse](t, raw).Content)

	resp, _ = c.do(http.MethodPost, "/api/v1/secrets/generate", GenerateRequest{Length: 4})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBurn(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL}

	_, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "burn me"})
	created := decode[CreateResponse](t, raw)
	burn := "/api/v1/receipts/" + created.ReceiptID + "/burn"

	resp, raw := c.do(http.MethodPost, burn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, BurnResponse{State: "burned"}, decode[BurnResponse](t, raw))

	resp, raw = c.do(http.MethodPost, burn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[BurnResponse](t, raw).AlreadyConsumed)

	resp, _ = c.do(http.MethodPost, "/api/v1/secrets/"+created.SecretID+"/reveal", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, raw = c.do(http.MethodGet, "/api/v1/receipts/"+created.ReceiptID, nil)
	assert.Equal(t, "burned", decode[map[string]any](t, raw)["state"])

	resp, raw = c.do(http.MethodPost, "/api/v1/receipts/default.nope/burn", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "receipt not found", decode[ErrorResponse](t, raw).Error)
}

func TestPartitionFollowsHost(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	c := &client{t: t, base: srv.URL, host: "EU.example.com:443"}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "bonjour"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	created := decode[CreateResponse](t, raw)
	assert.Equal(t, "eu", created.Partition)
	assert.True(t, strings.HasPrefix(created.SecretID, "eu."))

	// the partition travels in the ID, not the host
	other := &client{t: t, base: srv.URL}
	_, raw = other.do(http.MethodPost, "/api/v1/secrets/"+created.SecretID+"/reveal", nil)
	assert.Equal(t, "bonjour", decode[RevealResponse](t, raw).Content)
}

func TestRequestValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Secrets.MaxContentSize = 16
	opts := lifecycle.DefaultOptions()
	opts.MaxContentSize = 16
	srv := newServer(t, newServiceWith(t, opts), cfg, Limiters{})
	c := &client{t: t, base: srv.URL}

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
	}{
		{"empty content", `{"content":""}`, "application/json", http.StatusBadRequest},
		{"malformed json", `{"content":`, "application/json", http.StatusBadRequest},
		{"unknown field", `{"content":"x","max_views":3}`, "application/json", http.StatusBadRequest},
		{"not json", `content=x`, "text/plain", http.StatusUnsupportedMediaType},
		{"ttl too long", `{"content":"x","ttl_seconds":99999999}`, "application/json", http.StatusBadRequest},
		{"negative ttl", `{"content":"x","ttl_seconds":-5}`, "application/json", http.StatusBadRequest},
		{"ttl overflows", `{"content":"x","ttl_seconds":36028797018967568}`, "application/json", http.StatusBadRequest},
		{"body too large", `{"content":"` + strings.Repeat("a", 8192) + `"}`, "application/json", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, c.base+"/api/v1/secrets", strings.NewReader(tt.body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", tt.ctype)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var e ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.NotEmpty(t, e.Error)
		})
	}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: strings.Repeat("a", 17)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, raw).Error, "invalid input")

	resp, raw = c.do(http.MethodPost, "/api/v1/secrets/generate", GenerateRequest{TTLSeconds: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, raw).Error, "ttl_seconds out of range")
}

func TestRevealRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RevealPerMin = 2

	api := ratelimit.NewMemoryLimiter(time.Minute)
	reveal := ratelimit.NewMemoryLimiter(time.Minute)
	t.Cleanup(func() {
		_ = api.Close()
		_ = reveal.Close()
	})

	srv := newServer(t, newService(t), cfg, Limiters{API: api, Reveal: reveal, Window: time.Minute})
	c := &client{t: t, base: srv.URL}

	for i := 0; i < 2; i++ {
		resp, _ := c.do(http.MethodPost, "/api/v1/secrets/default.missing/reveal", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp, raw := c.do(http.MethodPost, "/api/v1/secrets/default.missing/reveal", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode[ErrorResponse](t, raw).Error)

	// other routes only count against the global limit
	resp, _ = c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "still fine"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestOwnerReceipts(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})
	alice := &client{t: t, base: srv.URL, token: token(t, "alice", "oneshot", signKey)}
	anon := &client{t: t, base: srv.URL}

	for i := 0; i < 2; i++ {
		resp, raw := alice.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: fmt.Sprintf("s%d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	}
	_, _ = anon.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "anonymous"})

	resp, raw := alice.do(http.MethodGet, "/api/v1/receipts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	list := decode[map[string][]map[string]any](t, raw)["receipts"]
	assert.Len(t, list, 2)
	for _, r := range list {
		assert.NotContains(t, r, "owner_id")
		assert.NotContains(t, r, "content")
	}

	bob := &client{t: t, base: srv.URL, token: token(t, "bob", "oneshot", signKey)}
	_, raw = bob.do(http.MethodGet, "/api/v1/receipts", nil)
	assert.JSONEq(t, `{"receipts":[]}`, string(raw))

	resp, raw = anon.do(http.MethodGet, "/api/v1/receipts", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication required", decode[ErrorResponse](t, raw).Error)
}

func TestOwnerRejectsBadTokens(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", token(t, "alice", "oneshot", "other-key")},
		{"wrong issuer", token(t, "alice", "someone-else", signKey)},
		{"no subject", token(t, "", "oneshot", signKey)},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &client{t: t, base: srv.URL, token: tt.token}
			resp, raw := c.do(http.MethodPost, "/api/v1/secrets", CreateRequest{Content: "x"})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "invalid token", decode[ErrorResponse](t, raw).Error)
		})
	}
}

func TestCORS(t *testing.T) {
	srv := newServer(t, newService(t), testConfig(), Limiters{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/secrets", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.oneshot.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.oneshot.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// failingSecrets returns err from every operation.
type failingSecrets struct {
	err error
}

func (f failingSecrets) Create(context.Context, lifecycle.CreateRequest) (lifecycle.Created, error) {
	return lifecycle.Created{}, f.err
}

func (f failingSecrets) Generate(context.Context, lifecycle.GenerateRequest) (lifecycle.Created, string, error) {
	return lifecycle.Created{}, "", f.err
}

func (f failingSecrets) Reveal(context.Context, string, string) (string, error) {
	return "", f.err
}

func (f failingSecrets) Status(context.Context, string) (lifecycle.SecretStatus, error) {
	return lifecycle.SecretStatus{}, f.err
}

func (f failingSecrets) Burn(context.Context, string) (lifecycle.BurnOutcome, error) {
	return 0, f.err
}

func (f failingSecrets) Receipt(context.Context, string) (*models.Receipt, error) {
	return nil, f.err
}

func (f failingSecrets) ReceiptsByOwner(context.Context, string) ([]*models.Receipt, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		message    string
		retryAfter string
	}{
		{"unavailable", fmt.Errorf("revealing secret: %w: %w", lifecycle.ErrStoreUnavailable, io.ErrUnexpectedEOF), http.StatusServiceUnavailable, "service temporarily unavailable", "5"},
		{"already consumed", lifecycle.ErrAlreadyConsumed, http.StatusNotFound, "secret not found", ""},
		{"locked", lifecycle.ErrLocked, http.StatusForbidden, "incorrect passphrase", ""},
		{"required", lifecycle.ErrPassphraseRequired, http.StatusForbidden, "passphrase required", ""},
		{"unexpected", crypto.ErrMalformedHash, http.StatusInternalServerError, "internal error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, failingSecrets{err: tt.err}, testConfig(), Limiters{})
			c := &client{t: t, base: srv.URL}

			resp, raw := c.do(http.MethodPost, "/api/v1/secrets/default.abc/reveal", RevealRequest{Passphrase: "p"})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, decode[ErrorResponse](t, raw).Error)
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
		})
	}
}
