package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/transfa/cashflow-service/internal/app"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

const (
	testSecret      = "desk-test-secret"
	testIssuer      = "cashflow-desk"
	testInternalKey = "internal-test-key"
)

type fixedBudget struct {
	spend app.AcquireSpend
	err   error
}

func (b fixedBudget) SpendAcquire(ctx context.Context, agentID string, limit int, window time.Duration, now time.Time) (app.AcquireSpend, error) {
	return b.spend, b.err
}

type deskServer struct {
	handler http.Handler
	repo    *store.MemoryRepository
}

func newDeskServer(t *testing.T, budget app.AcquireBudget, acquireLimit int) *deskServer {
	t.Helper()
	repo := store.NewMemoryRepository()
	svc := app.NewService(repo, nil, budget, nil, app.ServiceConfig{
		LeaseTTL:                      15 * time.Minute,
		LockAcquireRateLimitPerMinute: acquireLimit,
	})
	handler := DeskRoutes(NewDeskHandlers(svc), RouterConfig{
		JWTSecret:      testSecret,
		JWTIssuer:      testIssuer,
		InternalAPIKey: testInternalKey,
	})
	return &deskServer{handler: handler, repo: repo}
}

func agentToken(t *testing.T, agentID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": agentID,
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *deskServer) do(t *testing.T, method, path, agentID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if agentID != "" {
		req.Header.Set("Authorization", "Bearer "+agentToken(t, agentID))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *deskServer) internal(t *testing.T, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-Internal-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *deskServer) putWithdrawal(stage domain.WithdrawalStage, total, paid, hold string) domain.WithdrawalRequest {
	withdrawal := domain.WithdrawalRequest{
		ID:          uuid.New(),
		Reference:   "WD-" + uuid.NewString()[:8],
		PlayerID:    uuid.New(),
		TotalAmount: decimal.RequireFromString(total),
		AmountPaid:  decimal.RequireFromString(paid),
		AmountHold:  decimal.RequireFromString(hold),
		Stage:       stage,
		CreatedAt:   time.Now().UTC(),
	}
	s.repo.PutWithdrawal(withdrawal)
	return withdrawal
}

func (s *deskServer) putDeposit(stage domain.DepositStage, amount string, target *uuid.UUID) domain.DepositRequest {
	deposit := domain.DepositRequest{
		ID:        uuid.New(),
		Reference: "DP-" + uuid.NewString()[:8],
		PlayerID:  uuid.New(),
		Amount:    decimal.RequireFromString(amount),
		TargetID:  target,
		Stage:     stage,
		CreatedAt: time.Now().UTC(),
	}
	s.repo.PutDeposit(deposit)
	return deposit
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealth(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", rec.Body.String())
}

func TestDeskRoutesRequireAgentToken(t *testing.T) {
	server := newDeskServer(t, nil, 0)

	rec := server.do(t, http.MethodGet, "/desk/deposits", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/desk/deposits", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "agent-a", "iss": "someone-else"})
	signed, err := wrongIssuer.SignedString([]byte(testSecret))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/desk/deposits", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateDepositEndpoint(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	body := map[string]interface{}{
		"reference":      "DP-1001",
		"player_id":      uuid.NewString(),
		"amount":         "50.00",
		"payment_method": "CashApp",
	}

	rec := server.do(t, http.MethodPost, "/desk/deposits", "agent-front", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created domain.DepositRequest
	decodeBody(t, rec, &created)
	require.Equal(t, domain.DepositStageSubmitted, created.Stage)
	require.Equal(t, "agent-front", created.CreatedBy)

	rec = server.do(t, http.MethodPost, "/desk/deposits", "agent-front", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	body["reference"] = "DP-1002"
	body["amount"] = "-5"
	rec = server.do(t, http.MethodPost, "/desk/deposits", "agent-front", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWithdrawalsFiltersByStages(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	server.putWithdrawal(domain.WithdrawalStageOperations, "100", "0", "0")
	server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")
	server.putWithdrawal(domain.WithdrawalStageFinancePartiallyPaid, "100", "40", "0")

	rec := server.do(t, http.MethodGet, "/desk/withdrawals?stage=2,4", "agent-fin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var withdrawals []domain.WithdrawalRequest
	decodeBody(t, rec, &withdrawals)
	require.Len(t, withdrawals, 2)

	rec = server.do(t, http.MethodGet, "/desk/withdrawals?stage=9", "agent-fin", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(t, http.MethodGet, "/desk/withdrawals?limit=abc", "agent-fin", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownRequestIsNotFound(t *testing.T) {
	server := newDeskServer(t, nil, 0)

	rec := server.do(t, http.MethodGet, "/desk/deposits/"+uuid.NewString(), "agent-a", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = server.do(t, http.MethodGet, "/desk/withdrawals/not-a-uuid", "agent-a", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockContentionReportsHolder(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")
	path := "/desk/withdrawals/" + withdrawal.ID.String() + "/locks/finance"

	rec := server.do(t, http.MethodPost, path, "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = server.do(t, http.MethodPost, path, "agent-b", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	require.Equal(t, "lock_contention", body.Code)
	require.Equal(t, "agent-a", body.Holder)
	require.NotNil(t, body.AcquiredAt)
}

func TestLockRoutesRejectForeignDepartment(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageOperations, "100", "0", "0")

	rec := server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/frontline", "agent-a", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseByAnotherAgentIsForbidden(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	deposit := server.putDeposit(domain.DepositStageVerification, "25", nil)
	path := "/desk/deposits/" + deposit.ID.String() + "/locks/operations"

	rec := server.do(t, http.MethodPost, path, "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = server.do(t, http.MethodDelete, path, "agent-b", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = server.do(t, http.MethodDelete, path, "agent-a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = server.do(t, http.MethodDelete, path, "agent-a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTransitionEndpoint(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageOperations, "100", "0", "0")
	base := "/desk/withdrawals/" + withdrawal.ID.String()
	transition := map[string]string{"department": "operations", "action": "approve"}

	rec := server.do(t, http.MethodPost, base+"/transitions", "agent-ops", transition)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = server.do(t, http.MethodPost, base+"/locks/operations", "agent-ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = server.do(t, http.MethodPost, base+"/transitions", "agent-ops", transition)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := server.repo.FindWithdrawalByID(context.Background(), withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStageVerification, stored.Stage)

	lock, err := server.repo.FindLock(context.Background(), domain.LockKey{
		Kind:       domain.RequestKindWithdrawal,
		RequestID:  withdrawal.ID,
		Department: domain.DepartmentOperations,
	})
	require.NoError(t, err)
	require.Equal(t, domain.LockStatusIdle, lock.Status)

	rec = server.do(t, http.MethodPost, base+"/transitions", "agent-ops", map[string]string{"department": "operations", "action": "launch"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHoldOutOfBounds(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "20", "30")
	base := "/desk/withdrawals/" + withdrawal.ID.String()

	rec := server.do(t, http.MethodPost, base+"/locks/finance", "agent-fin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = server.do(t, http.MethodPost, base+"/holds", "agent-fin", map[string]string{
		"amount":         "60",
		"payment_method": "cashapp",
		"cashtag_id":     uuid.NewString(),
		"confirmation":   app.HoldConfirmationToken,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	require.Equal(t, "rule_violation", body.Code)

	stored, err := server.repo.FindWithdrawalByID(context.Background(), withdrawal.ID)
	require.NoError(t, err)
	require.True(t, stored.AmountHold.Equal(decimal.RequireFromString("30")))
}

func TestSettlementConsistencyViolation(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "10")
	target := withdrawal.ID
	deposit := server.putDeposit(domain.DepositStageOperations, "40", &target)
	base := "/desk/deposits/" + deposit.ID.String()

	rec := server.do(t, http.MethodPost, base+"/locks/finance", "agent-fin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = server.do(t, http.MethodPost, base+"/settlement", "agent-fin", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	require.Equal(t, "consistency_error", body.Code)
}

func TestLockAcquireRateLimited(t *testing.T) {
	server := newDeskServer(t, fixedBudget{spend: app.AcquireSpend{Attempts: 11, RetryAfter: 42 * time.Second}}, 10)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")

	rec := server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/finance", "agent-a", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestLockAcquireFailsOpenWhenBudgetDown(t *testing.T) {
	server := newDeskServer(t, fixedBudget{err: errors.New("redis: connection refused")}, 10)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")

	rec := server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/finance", "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverSessionEndpoint(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")
	deposit := server.putDeposit(domain.DepositStageVerification, "25", nil)

	rec := server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/finance", "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = server.do(t, http.MethodPost, "/desk/deposits/"+deposit.ID.String()+"/locks/operations", "agent-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = server.do(t, http.MethodGet, "/desk/locks/mine", "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var held []domain.HeldLock
	decodeBody(t, rec, &held)
	require.Len(t, held, 1)
	require.NotNil(t, held[0].Withdrawal)
	require.Equal(t, withdrawal.ID, held[0].Withdrawal.ID)
}

func TestInternalRoutesRequireKey(t *testing.T) {
	server := newDeskServer(t, nil, 0)

	rec := server.internal(t, http.MethodGet, "/desk/internal/consistency", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = server.internal(t, http.MethodGet, "/desk/internal/consistency", "wrong-key")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = server.internal(t, http.MethodGet, "/desk/internal/consistency", testInternalKey)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = server.internal(t, http.MethodPost, "/desk/internal/locks/sweep", testInternalKey)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestForceReleaseEndpoint(t *testing.T) {
	server := newDeskServer(t, nil, 0)
	withdrawal := server.putWithdrawal(domain.WithdrawalStageFinance, "100", "0", "0")

	rec := server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/finance", "agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	path := "/desk/internal/locks/withdrawal/" + withdrawal.ID.String() + "/finance"
	rec = server.internal(t, http.MethodDelete, path, testInternalKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var body forceReleaseResponse
	decodeBody(t, rec, &body)
	require.True(t, body.Released)

	rec = server.do(t, http.MethodPost, "/desk/withdrawals/"+withdrawal.ID.String()+"/locks/finance", "agent-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalAuthMiddlewareWithoutConfiguredKey(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-API-Key", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
