package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"gorm.io/gorm"
)

type fakeSessionService struct {
	startCalls int
	stopCalls  int
	lastReason string
	startErr   error
	snapshot   sessiondomain.Snapshot
}

func (f *fakeSessionService) Start(ctx context.Context, accountID string) (sessiondomain.Snapshot, error) {
	f.startCalls++
	_ = ctx
	_ = accountID
	if f.startErr != nil {
		return sessiondomain.Snapshot{}, f.startErr
	}
	return f.snapshot, nil
}

func (f *fakeSessionService) Heartbeat(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error) {
	_ = ctx
	_ = sessionID
	return f.snapshot, nil
}

func (f *fakeSessionService) Stop(ctx context.Context, sessionID string, reason string) (sessiondomain.Snapshot, error) {
	f.stopCalls++
	f.lastReason = reason
	_ = ctx
	_ = sessionID
	return f.snapshot, nil
}

func (f *fakeSessionService) Get(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error) {
	_ = ctx
	if sessionID != f.snapshot.SessionID {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	return f.snapshot, nil
}

func (f *fakeSessionService) List(ctx context.Context, accountID string, limit int) ([]sessiondomain.Session, error) {
	_ = ctx
	_ = accountID
	_ = limit
	return nil, nil
}

type fakeEntitlementService struct {
	balance entitlementdomain.Balance
}

func (f *fakeEntitlementService) EnsureAccount(ctx context.Context, externalRef string) (*entitlementdomain.Account, error) {
	_ = ctx
	if externalRef == "" {
		return nil, entitlementdomain.ErrInvalidAccount
	}
	return &entitlementdomain.Account{ID: snowflake.ID(100), ExternalRef: externalRef}, nil
}

func (f *fakeEntitlementService) GrantSeconds(ctx context.Context, accountID string, seconds int64) (int64, error) {
	_ = ctx
	_ = accountID
	return seconds, nil
}

func (f *fakeEntitlementService) ConsumeSeconds(ctx context.Context, accountID string, seconds int64) (int64, error) {
	_ = ctx
	_ = accountID
	return seconds, nil
}

func (f *fakeEntitlementService) GetBalance(ctx context.Context, accountID string) (entitlementdomain.Balance, error) {
	_ = ctx
	if accountID != f.balance.AccountID {
		return entitlementdomain.Balance{}, entitlementdomain.ErrAccountNotFound
	}
	return f.balance, nil
}

func (f *fakeEntitlementService) GrantSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error {
	_ = ctx
	_ = tx
	_ = accountID
	_ = seconds
	return nil
}

func (f *fakeEntitlementService) ConsumeSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error {
	_ = ctx
	_ = tx
	_ = accountID
	_ = seconds
	return nil
}

type fakeCreditService struct {
	ingestErr error
	resp      creditdomain.ApplyResponse
}

func (f *fakeCreditService) ApplyCredit(ctx context.Context, req creditdomain.ApplyRequest) (creditdomain.ApplyResponse, error) {
	_ = ctx
	_ = req
	return f.resp, nil
}

func (f *fakeCreditService) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (creditdomain.ApplyResponse, error) {
	_ = ctx
	_ = provider
	_ = payload
	_ = headers
	if f.ingestErr != nil {
		return creditdomain.ApplyResponse{}, f.ingestErr
	}
	return f.resp, nil
}

func (f *fakeCreditService) ListEvents(ctx context.Context, accountID string, limit int) ([]creditdomain.CreditEvent, error) {
	_ = ctx
	_ = accountID
	_ = limit
	return nil, nil
}

func newTestRouter(srv *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	srv.engine = router
	srv.registerAPIRoutes()
	return router
}

func TestStartSessionReturnsSnapshot(t *testing.T) {
	sessionSvc := &fakeSessionService{
		snapshot: sessiondomain.Snapshot{
			SessionID:        "101",
			AccountID:        "100",
			State:            sessiondomain.StateActive,
			RemainingSeconds: 600,
		},
	}
	router := newTestRouter(&Server{sessionSvc: sessionSvc})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewBufferString(`{"account_id":"100"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var snap sessiondomain.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.SessionID != "101" || snap.RemainingSeconds != 600 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if sessionSvc.startCalls != 1 {
		t.Fatalf("expected 1 start call, got %d", sessionSvc.startCalls)
	}
}

func TestStartSessionInsufficientBalanceReturns402(t *testing.T) {
	sessionSvc := &fakeSessionService{startErr: sessiondomain.ErrInsufficientBalance}
	router := newTestRouter(&Server{sessionSvc: sessionSvc})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewBufferString(`{"account_id":"100"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestStopSessionForwardsReason(t *testing.T) {
	sessionSvc := &fakeSessionService{
		snapshot: sessiondomain.Snapshot{SessionID: "101", State: sessiondomain.StateClosed},
	}
	router := newTestRouter(&Server{sessionSvc: sessionSvc})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/101/stop", bytes.NewBufferString(`{"reason":"user_ended"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if sessionSvc.lastReason != "user_ended" {
		t.Fatalf("expected reason user_ended, got %q", sessionSvc.lastReason)
	}
}

func TestStopSessionWithoutBodyDefaultsReason(t *testing.T) {
	sessionSvc := &fakeSessionService{
		snapshot: sessiondomain.Snapshot{SessionID: "101", State: sessiondomain.StateClosed},
	}
	router := newTestRouter(&Server{sessionSvc: sessionSvc})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/101/stop", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if sessionSvc.lastReason != "" {
		t.Fatalf("expected empty reason passthrough, got %q", sessionSvc.lastReason)
	}
}

func TestGetSessionNotFoundReturns404(t *testing.T) {
	sessionSvc := &fakeSessionService{
		snapshot: sessiondomain.Snapshot{SessionID: "101"},
	}
	router := newTestRouter(&Server{sessionSvc: sessionSvc})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/999", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestGetBalanceReturnsCounters(t *testing.T) {
	entSvc := &fakeEntitlementService{
		balance: entitlementdomain.Balance{
			AccountID:        "100",
			PurchasedSeconds: 1800,
			ConsumedSeconds:  600,
			RemainingSeconds: 1200,
			DisplaySeconds:   1200,
		},
	}
	router := newTestRouter(&Server{entitlementSvc: entSvc, sessionSvc: &fakeSessionService{}})

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/100/balance", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var balance entitlementdomain.Balance
	if err := json.Unmarshal(resp.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if balance.RemainingSeconds != 1200 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestCreditWebhookBadSignatureReturns401(t *testing.T) {
	creditSvc := &fakeCreditService{ingestErr: creditdomain.ErrInvalidSignature}
	router := newTestRouter(&Server{creditSvc: creditSvc, sessionSvc: &fakeSessionService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/credits/webhooks/stripe", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreditWebhookIgnoredEventReturns200(t *testing.T) {
	creditSvc := &fakeCreditService{ingestErr: creditdomain.ErrEventIgnored}
	router := newTestRouter(&Server{creditSvc: creditSvc, sessionSvc: &fakeSessionService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/credits/webhooks/stripe", bytes.NewBufferString(`{"type":"customer.updated"}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreditWebhookUnknownProviderReturns404(t *testing.T) {
	creditSvc := &fakeCreditService{ingestErr: creditdomain.ErrProviderNotFound}
	router := newTestRouter(&Server{creditSvc: creditSvc, sessionSvc: &fakeSessionService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/credits/webhooks/acme", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] == nil {
		t.Fatalf("expected error payload, got %s", resp.Body.String())
	}
}

func TestMapErrorDefaultsTo500(t *testing.T) {
	status, _ := mapError(errors.New("boom"))
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown error, got %d", status)
	}
}
