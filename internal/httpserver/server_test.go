package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSigningKey = "test-signing-key"

func newTestRouter(t *testing.T) (*gin.Engine, *credit.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	service, err := credit.NewService(gormstore.New(db), func() time.Time { return time.Now().UTC() })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	router := NewRouter(Config{
		ListenAddr: ":0",
		SigningKey: testSigningKey,
	}, service, zap.NewNop())
	return router, service
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	recorder := doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", recorder.Code)
	}
}

func TestAPIRejectsMissingAndBadTokens(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodGet, "/v1/accounts", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", recorder.Code)
	}

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "admin"})
	signed, err := wrongKey.SignedString([]byte("other-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recorder = doRequest(t, router, http.MethodGet, "/v1/accounts", signed, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status=%d", recorder.Code)
	}
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)
	token := signToken(t, "admin-1")

	createBody := map[string]any{
		"owner":       map[string]any{"owner_type": "user", "user_id": "user-1"},
		"credit_type": "subscription",
	}
	recorder := doRequest(t, router, http.MethodPost, "/v1/accounts", token, createBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create account status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	account := decodeBody(t, recorder)["account"].(map[string]any)
	accountID := account["account_id"].(string)
	if account["status"] != "active" {
		t.Fatalf("expected active account, got %v", account["status"])
	}

	repeat := doRequest(t, router, http.MethodPost, "/v1/accounts", token, createBody)
	repeatAccount := decodeBody(t, repeat)["account"].(map[string]any)
	if repeatAccount["account_id"] != accountID {
		t.Fatalf("repeated create must return the same account")
	}

	recorder = doRequest(t, router, http.MethodGet, "/v1/accounts/"+accountID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get account status=%d", recorder.Code)
	}

	recorder = doRequest(t, router, http.MethodGet, "/v1/accounts/nope", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", recorder.Code)
	}

	recorder = doRequest(t, router, http.MethodPatch, "/v1/accounts/"+accountID, token,
		map[string]any{"status": "suspended"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	patched := decodeBody(t, recorder)["account"].(map[string]any)
	if patched["status"] != "suspended" {
		t.Fatalf("expected suspended, got %v", patched["status"])
	}

	recorder = doRequest(t, router, http.MethodPatch, "/v1/accounts/"+accountID, token,
		map[string]any{"status": "frozen"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", recorder.Code)
	}
}

func TestTransferFlowOverHTTP(t *testing.T) {
	router, service := newTestRouter(t)
	token := signToken(t, "operator-7")
	ctx := context.Background()

	source, err := service.GetOrCreateAccount(ctx, credit.OwnerRef{OwnerType: credit.OwnerTenant, TenantID: "tenant-1"}, credit.CreditSubscription)
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	destination, err := service.GetOrCreateAccount(ctx, credit.OwnerRef{OwnerType: credit.OwnerUser, UserID: "member-1"}, credit.CreditSubscription)
	if err != nil {
		t.Fatalf("create destination: %v", err)
	}
	if _, err := service.AppendEntry(ctx, credit.EntryInput{
		AccountID:     source.AccountID,
		Type:          credit.EntrySubscriptionGrant,
		AmountCredits: 1000,
	}); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	recorder := doRequest(t, router, http.MethodPost, "/v1/transfers", token, map[string]any{
		"from_account_id": source.AccountID,
		"to_account_id":   destination.AccountID,
		"transfer_type":   "grant",
		"amount_credits":  400,
		"reason":          "allowance",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create transfer status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	transfer := decodeBody(t, recorder)["transfer"].(map[string]any)
	transferID := transfer["transfer_id"].(string)
	if transfer["requested_by"] != "operator-7" {
		t.Fatalf("requester must come from the token subject, got %v", transfer["requested_by"])
	}
	if transfer["status"] != "pending" {
		t.Fatalf("expected pending transfer, got %v", transfer["status"])
	}

	recorder = doRequest(t, router, http.MethodPost, "/v1/transfers/"+transferID+"/complete", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("complete status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	completed := decodeBody(t, recorder)["transfer"].(map[string]any)
	if completed["approved_by"] != "operator-7" {
		t.Fatalf("approver must come from the token subject, got %v", completed["approved_by"])
	}

	recorder = doRequest(t, router, http.MethodPost, "/v1/transfers/"+transferID+"/complete", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double completion, got %d", recorder.Code)
	}

	updated, err := service.GetAccount(ctx, destination.AccountID)
	if err != nil {
		t.Fatalf("get destination: %v", err)
	}
	if updated.BalanceCredits != 400 {
		t.Fatalf("expected destination balance 400, got %d", updated.BalanceCredits)
	}
}

func TestAllocationInsufficientBalanceOverHTTP(t *testing.T) {
	router, service := newTestRouter(t)
	token := signToken(t, "svc-usage")
	ctx := context.Background()

	account, err := service.GetOrCreateAccount(ctx, credit.OwnerRef{OwnerType: credit.OwnerUser, UserID: "member-2"}, credit.CreditTopup)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := service.AppendEntry(ctx, credit.EntryInput{
		AccountID:     account.AccountID,
		Type:          credit.EntryTopupPurchase,
		AmountCredits: 100,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	recorder := doRequest(t, router, http.MethodPost, "/v1/allocations", token, map[string]any{
		"usage_log_id":   "usage-http-1",
		"user_id":        "member-2",
		"account_ids":    []string{account.AccountID},
		"amount_credits": 500,
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, router, http.MethodPost, "/v1/allocations", token, map[string]any{
		"usage_log_id":   "usage-http-2",
		"user_id":        "member-2",
		"account_ids":    []string{account.AccountID},
		"amount_credits": 60,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("allocate status=%d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, router, http.MethodGet, "/v1/allocations/usage-http-2", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list allocations status=%d", recorder.Code)
	}
	allocations := decodeBody(t, recorder)["allocations"].([]any)
	if len(allocations) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocations))
	}
}

func TestTopupCatalogOverHTTP(t *testing.T) {
	router, service := newTestRouter(t)
	token := signToken(t, "svc-billing")
	ctx := context.Background()

	recorder := doRequest(t, router, http.MethodPost, "/v1/topup-products", token, map[string]any{
		"sku_code": "pack-1000",
		"name":     "1000 credits",
		"credits":  1000, "bonus_credits": 100,
		"price_usd_cents": 999,
		"currency":        "USD",
		"is_active":       true,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create product status=%d body=%s", recorder.Code, recorder.Body.String())
	}

	duplicate := doRequest(t, router, http.MethodPost, "/v1/topup-products", token, map[string]any{
		"sku_code":  "pack-1000",
		"name":      "duplicate",
		"credits":   1,
		"is_active": true,
	})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate sku, got %d", duplicate.Code)
	}

	account, err := service.GetOrCreateAccount(ctx, credit.OwnerRef{OwnerType: credit.OwnerUser, UserID: "member-3"}, credit.CreditTopup)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	purchase := map[string]any{
		"account_id":             account.AccountID,
		"sku_code":               "pack-1000",
		"payment_transaction_id": "pay-http-1",
		"invoice_id":             "inv-http-1",
	}
	recorder = doRequest(t, router, http.MethodPost, "/v1/topup-purchases", token, purchase)
	if recorder.Code != http.StatusOK {
		t.Fatalf("purchase status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	entry := decodeBody(t, recorder)["entry"].(map[string]any)
	if entry["amount_credits"].(float64) != 1100 {
		t.Fatalf("expected 1100 credits, got %v", entry["amount_credits"])
	}

	repeat := doRequest(t, router, http.MethodPost, "/v1/topup-purchases", token, purchase)
	if repeat.Code != http.StatusOK {
		t.Fatalf("repeat purchase status=%d", repeat.Code)
	}
	repeatEntry := decodeBody(t, repeat)["entry"].(map[string]any)
	if repeatEntry["entry_id"] != entry["entry_id"] {
		t.Fatalf("repeated purchase must return the original entry")
	}

	updated, err := service.GetAccount(ctx, account.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if updated.BalanceCredits != 1100 {
		t.Fatalf("account must be credited once, balance %d", updated.BalanceCredits)
	}
}

func TestPlanGrantsOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)
	token := signToken(t, "svc-billing")

	recorder := doRequest(t, router, http.MethodPut, "/v1/plan-grants", token, map[string]any{
		"plan_slug":       "pro",
		"billing_cycle":   "monthly",
		"credit_type":     "subscription",
		"monthly_credits": 1000,
		"initial_credits": 500,
		"is_active":       true,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("upsert plan status=%d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, router, http.MethodPost, "/v1/grants/initial", token, map[string]any{
		"owner":           map[string]any{"owner_type": "user", "user_id": "member-4"},
		"plan_slug":       "pro",
		"billing_cycle":   "monthly",
		"credit_type":     "subscription",
		"subscription_id": "sub-http-1",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("initial grant status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	entry := decodeBody(t, recorder)["entry"].(map[string]any)
	if entry["amount_credits"].(float64) != 500 {
		t.Fatalf("expected 500 credit grant, got %v", entry["amount_credits"])
	}
	if entry["subscription_id"] != "sub-http-1" {
		t.Fatalf("expected subscription correlation, got %v", entry["subscription_id"])
	}

	recorder = doRequest(t, router, http.MethodGet, "/v1/plan-grants?active=true", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list plans status=%d", recorder.Code)
	}
	plans := decodeBody(t, recorder)["plan_grants"].([]any)
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}
}
