package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
)

type stubSettler struct {
	ids []string
	err error
}

func (s *stubSettler) SettleProviderPayment(_ context.Context, id string) (payments.Confirmation, error) {
	s.ids = append(s.ids, id)
	if s.err != nil {
		return payments.Confirmation{}, s.err
	}
	return payments.Confirmation{Outcome: payments.OutcomeCompleted, Credited: true}, nil
}

type stubReports struct {
	err error
}

func (s stubReports) Collect(context.Context) (stats.Report, error) {
	return stats.Report{KnownUsers: 3, IncomeMinor: 19900, QueueCapacity: 3}, s.err
}

type stubTokenManager struct {
	validateErr error
}

func (s stubTokenManager) ValidateToken(token string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	if token != "good-token" {
		return "", auth.ErrInvalidToken
	}
	return "admin:7", nil
}

func newTestRouter(t *testing.T, settler *stubSettler, reports stubReports) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Payments:     settler,
		Reports:      reports,
		TokenManager: stubTokenManager{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pixelmage_admission_in_flight 0\n"))
		}),
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &stubSettler{}, stubReports{})

	if recorder := serve(router, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", recorder.Code)
	}
	recorder := serve(router, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "pixelmage_admission_in_flight") {
		t.Fatalf("unexpected metrics response %d %q", recorder.Code, recorder.Body.String())
	}
}

func TestPaymentNotificationSettlesByProviderID(t *testing.T) {
	settler := &stubSettler{}
	router := newTestRouter(t, settler, stubReports{})

	body := `{"type":"notification","event":"payment.succeeded","object":{"id":"2c1f-provider","status":"succeeded"}}`
	recorder := serve(router, http.MethodPost, "/payments/yookassa/notifications", body, map[string]string{"Content-Type": "application/json"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if len(settler.ids) != 1 || settler.ids[0] != "2c1f-provider" {
		t.Fatalf("unexpected settlement calls %v", settler.ids)
	}
}

func TestPaymentNotificationAcknowledgesSettlementErrors(t *testing.T) {
	testCases := []error{
		fmt.Errorf("wrapped: %w", payments.ErrPaymentNotFound),
		errors.New("gateway down"),
	}
	for _, settleErr := range testCases {
		settler := &stubSettler{err: settleErr}
		router := newTestRouter(t, settler, stubReports{})
		recorder := serve(router, http.MethodPost, "/payments/yookassa/notifications", `{"event":"payment.succeeded","object":{"id":"x"}}`, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected notifications to be acknowledged for %v, got %d", settleErr, recorder.Code)
		}
	}
}

func TestPaymentNotificationRejectsMalformedPayloads(t *testing.T) {
	settler := &stubSettler{}
	router := newTestRouter(t, settler, stubReports{})
	for _, body := range []string{`not json`, `{"event":"payment.succeeded","object":{}}`} {
		recorder := serve(router, http.MethodPost, "/payments/yookassa/notifications", body, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected bad request for %q, got %d", body, recorder.Code)
		}
	}
	if len(settler.ids) != 0 {
		t.Fatalf("malformed notifications must not settle anything")
	}
}

func TestAdminStatsRequiresBearerToken(t *testing.T) {
	router := newTestRouter(t, &stubSettler{}, stubReports{})

	if recorder := serve(router, http.MethodGet, "/admin/stats", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without header, got %d", recorder.Code)
	}
	if recorder := serve(router, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer bad"}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for bad token, got %d", recorder.Code)
	}

	recorder := serve(router, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer good-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var report stats.Report
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.KnownUsers != 3 || report.IncomeMinor != 19900 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAdminStatsReportsCollectorFailure(t *testing.T) {
	router := newTestRouter(t, &stubSettler{}, stubReports{err: errors.New("db down")})
	recorder := serve(router, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer good-token"})
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogLevels(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "expired", err: fmt.Errorf("%w: exp", auth.ErrExpiredToken), level: zapcore.InfoLevel},
		{name: "unexpected", err: errors.New("signature mismatch"), level: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(http.MethodGet, "/admin/stats", http.NoBody)
			request.Header.Set("Authorization", "Bearer some-token")
			ctx.Request = request

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{tokens: stubTokenManager{validateErr: testCase.err}, logger: zap.New(core)}
			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d", recorder.Code)
			}
			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != testCase.level || entries[0].Message != "token validation failed" {
				t.Fatalf("unexpected log entries %+v", entries)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(t, &stubSettler{}, stubReports{})
	recorder := serve(router, http.MethodOptions, "/admin/stats", "", map[string]string{
		"Origin":                         "https://ops.example.com",
		"Access-Control-Request-Method":  http.MethodGet,
		"Access-Control-Request-Headers": "Authorization",
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight to succeed, got %d", recorder.Code)
	}
	if !strings.Contains(strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers")), "authorization") {
		t.Fatalf("expected authorization header to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingPayments) {
		t.Fatalf("expected missing payments error, got %v", err)
	}
}
