package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type stubIntents struct {
	intent checkout.Intent
	err    error
}

func (stub stubIntents) CreateIntent(context.Context, checkout.ReservationID) (checkout.Intent, error) {
	return stub.intent, stub.err
}

type stubReservations struct {
	reservation checkout.Reservation
	err         error
}

func (stub stubReservations) OpenReservation(context.Context, checkout.ReservationDraft) (checkout.Reservation, error) {
	return stub.reservation, stub.err
}

func (stub stubReservations) GetReservation(context.Context, checkout.ReservationID) (checkout.Reservation, error) {
	return stub.reservation, stub.err
}

func (stub stubReservations) Refund(context.Context, checkout.ReservationID, checkout.UserID) (checkout.TransitionResult, error) {
	return checkout.TransitionResult{}, stub.err
}

func newTestContext(method, path string, payload map[string]any) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(method, path, payloadReader(payload))
	return ctx, recorder
}

func payloadReader(payload map[string]any) *bytes.Reader {
	if payload == nil {
		return bytes.NewReader(nil)
	}
	encoded, _ := json.Marshal(payload)
	return bytes.NewReader(encoded)
}

func decodeError(test *testing.T, recorder *httptest.ResponseRecorder) (string, string) {
	test.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		test.Fatalf("decode error body %q: %v", recorder.Body.String(), err)
	}
	return envelope.Error.Code, envelope.Error.Message
}

func studentReservation(test *testing.T, state checkout.ReservationState) checkout.Reservation {
	test.Helper()
	reservationID, _ := checkout.NewReservationID("res-1")
	studentID, _ := checkout.NewUserID(testStudentID)
	return checkout.Reservation{ID: reservationID, StudentID: studentID, State: state}
}

func TestClassifyErrorKeepsDetailsInternal(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "invalid amount", err: fmt.Errorf("%w: must be greater than zero", checkout.ErrInvalidAmount), wantStatus: http.StatusBadRequest, wantCode: "invalid_reservation"},
		{name: "invalid draft", err: checkout.ErrInvalidReservationDraft, wantStatus: http.StatusBadRequest, wantCode: "invalid_reservation"},
		{name: "unknown reservation", err: checkout.WrapError("apply", "reservation", "lookup", checkout.ErrUnknownReservation), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "not refundable", err: checkout.ErrReservationNotRefundable, wantStatus: http.StatusConflict, wantCode: "not_refundable"},
		{name: "invalid transition", err: checkout.ErrInvalidTransition, wantStatus: http.StatusConflict, wantCode: "conflict"},
		{name: "intent creation", err: fmt.Errorf("%w: processor down", checkout.ErrIntentCreationFailed), wantStatus: http.StatusServiceUnavailable, wantCode: "payment_unavailable"},
		{name: "verifier unavailable", err: checkout.ErrVerifierUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: "payment_unavailable"},
		{name: "processor rejected", err: checkout.ErrProcessorRejected, wantStatus: http.StatusBadGateway, wantCode: "payment_failed"},
		{name: "unexpected", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, code, message := classifyError(testCase.err)
			if status != testCase.wantStatus || code != testCase.wantCode {
				test.Fatalf("got %d/%s, want %d/%s", status, code, testCase.wantStatus, testCase.wantCode)
			}
			if message == testCase.err.Error() {
				test.Fatalf("error detail leaked into message %q", message)
			}
		})
	}
}

func TestUserMessageUsesGenericFailureText(test *testing.T) {
	test.Parallel()
	for _, state := range []checkout.ReservationState{checkout.StateRejected, checkout.StateExpired, checkout.StateQuarantined} {
		if got := userMessage(state); got != messageFailed {
			test.Fatalf("state %s: got message %q", state, got)
		}
	}
	if got := userMessage(checkout.StatePaid); got != messagePaid {
		test.Fatalf("paid message %q", got)
	}
}

func TestCheckoutSurfacesRetryableFailureAsUnavailable(test *testing.T) {
	test.Parallel()
	handler := &httpHandler{
		logger:         zap.NewNop(),
		reservations:   stubReservations{reservation: studentReservation(test, checkout.StatePendingPayment)},
		intents:        stubIntents{err: checkout.WrapError("intent", "preference", "create", fmt.Errorf("%w: 503 from processor", checkout.ErrIntentCreationFailed))},
		admins:         map[string]struct{}{},
		requestTimeout: defaultRequestTimeout,
	}
	ctx, recorder := newTestContext(http.MethodPost, "/api/reservations/res-1/checkout", nil)
	ctx.Params = gin.Params{{Key: "id", Value: "res-1"}}
	ctx.Set(claimsContextKey, &sessionvalidator.Claims{UserID: testStudentID})
	handler.handleCheckout(ctx)
	if recorder.Code != http.StatusServiceUnavailable {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	code, message := decodeError(test, recorder)
	if code != "payment_unavailable" || message != messageRetry {
		test.Fatalf("unexpected error %s/%s", code, message)
	}
}

func TestHandlersRejectMissingClaims(test *testing.T) {
	test.Parallel()
	handler := &httpHandler{logger: zap.NewNop(), admins: map[string]struct{}{}, requestTimeout: defaultRequestTimeout}
	testCases := []struct {
		name    string
		handle  gin.HandlerFunc
		payload map[string]any
	}{
		{name: "open", handle: handler.handleOpenReservation, payload: map[string]any{"teacher_id": "teacher-1"}},
		{name: "get", handle: handler.handleGetReservation},
		{name: "checkout", handle: handler.handleCheckout},
		{name: "refund", handle: handler.handleRefund},
	}
	for _, testCase := range testCases {
		ctx, recorder := newTestContext(http.MethodPost, "/api/reservations", testCase.payload)
		testCase.handle(ctx)
		if recorder.Code != http.StatusUnauthorized {
			test.Fatalf("%s: status=%d", testCase.name, recorder.Code)
		}
	}
}

func TestNewServerValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewServer(Dependencies{}, Options{}); !errors.Is(err, ErrInvalidServerConfig) {
		test.Fatalf("expected ErrInvalidServerConfig, got %v", err)
	}
}
