package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"paylink/chain"
	"paylink/config"
	"paylink/events"
	"paylink/invoice"
	"paylink/settle"
	"paylink/storage"
)

type testSigner struct{}

func (testSigner) SignInvoice(digest [32]byte) ([]byte, error) {
	return append([]byte{0x01}, digest[:]...), nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *invoice.Store) {
	t.Helper()
	store := invoice.NewStore(storage.NewMemDB())
	registry, err := settle.NewRegistry(settle.Config{
		Store:  store,
		Signer: testSigner{},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cfg := Config{
		Registry: registry,
		Store:    store,
		Tracker:  chain.NewTracker(100),
		Broker:   events.NewBroker(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIssueAndLookupInvoice(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Router()

	rec := doJSON(t, handler, http.MethodPost, "/v1/invoices", issueInvoiceRequest{
		Amount:         1000,
		Description:    "coffee",
		AllowMultiPart: true,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status %d: %s", rec.Code, rec.Body.String())
	}
	var issued invoicePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.Amount != 1000 || !issued.AllowMultiPart || issued.Signature == "" {
		t.Fatalf("unexpected payload %+v", issued)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/invoices/"+issued.PaymentHash, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status %d", rec.Code)
	}
	var fetched invoicePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched.PaymentHash != issued.PaymentHash || fetched.Settled {
		t.Fatalf("unexpected lookup payload %+v", fetched)
	}
}

func TestLookupUnknownInvoice(t *testing.T) {
	server, _ := newTestServer(t, nil)
	rec := doJSON(t, server.Router(), http.MethodGet,
		"/v1/invoices/"+invoice.Hash{0xAA}.String(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLookupSettledInvoiceCarriesSettlement(t *testing.T) {
	server, store := newTestServer(t, nil)
	handler := server.Router()

	rec := doJSON(t, handler, http.MethodPost, "/v1/invoices", issueInvoiceRequest{Amount: 500}, nil)
	var issued invoicePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	hash, err := invoice.ParseHash(issued.PaymentHash)
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}
	if err := store.RecordSettledPayment(hash, 500, time.Unix(1_700_000_000, 0).UTC()); err != nil {
		t.Fatalf("record settled: %v", err)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/invoices/"+issued.PaymentHash, nil, nil)
	var fetched invoicePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !fetched.Settled || fetched.SettledAmount != 500 || fetched.SettledAt == nil {
		t.Fatalf("settlement metadata missing: %+v", fetched)
	}
}

func TestChainHeightRoundTrip(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Router()

	rec := doJSON(t, handler, http.MethodPost, "/v1/chain/height", heightPayload{Height: 123_456}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set height status %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil, nil)
	var got heightPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Height != 123_456 {
		t.Fatalf("expected height 123456, got %d", got.Height)
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	server, _ := newTestServer(t, func(cfg *Config) {
		cfg.Auth = config.AuthConfig{Enabled: true, HMACSecret: secret, Issuer: "paylink"}
	})
	handler := server.Router()

	rec := doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	badToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := badToken.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", rec.Code)
	}

	goodToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "paylink",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err = goodToken.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}

	// Health stays open regardless of auth.
	rec = doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should bypass auth, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	server, _ := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2}
	})
	handler := server.Router()

	headers := map[string]string{"X-Real-IP": "203.0.113.9"}
	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited: %d", i, rec.Code)
		}
	}
	rec := doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}

	// A different client has its own bucket.
	rec = doJSON(t, handler, http.MethodGet, "/v1/chain/height", nil,
		map[string]string{"X-Real-IP": "203.0.113.10"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unrelated client limited: %d", rec.Code)
	}
}

func TestIssueInvoiceRejectsBadPreimage(t *testing.T) {
	server, _ := newTestServer(t, nil)
	rec := doJSON(t, server.Router(), http.MethodPost, "/v1/invoices",
		issueInvoiceRequest{Preimage: "zz"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
