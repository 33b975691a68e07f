package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/internal/webhook"
	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxWebhookBodyBytes = 64 << 10
	returnAction        = "payment.return"

	messagePending   = "Your reservation is waiting for checkout."
	messageAwaiting  = "We are confirming your payment."
	messagePaid      = "Payment confirmed, your class is booked."
	messageRefunded  = "Your payment was refunded and the class was cancelled."
	messageFailed    = "The payment could not be completed, your class was not booked."
	messageNotFound  = "Reservation not found."
	messageRetry     = "Payment is temporarily unavailable, please try again shortly."
	messageInternal  = "Something went wrong, please try again later."
	messageForbidden = "You are not allowed to perform this action."
)

type httpHandler struct {
	logger         *zap.Logger
	reservations   Reservations
	intents        IntentCreator
	webhooks       NotificationReceiver
	verifications  webhook.Dispatcher
	admins         map[string]struct{}
	requestTimeout time.Duration
	nowFn          func() time.Time
}

type openReservationRequest struct {
	TeacherID   string    `json:"teacher_id"`
	ServiceRef  string    `json:"service_ref"`
	GrossPrice  int64     `json:"gross_price"`
	Currency    string    `json:"currency"`
	Tier        string    `json:"tier"`
	PayerEmail  string    `json:"payer_email"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type reservationResponse struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	SlotState   string    `json:"slot_state"`
	Message     string    `json:"message"`
	TeacherID   string    `json:"teacher_id"`
	ServiceRef  string    `json:"service_ref"`
	GrossPrice  int64     `json:"gross_price"`
	Currency    string    `json:"currency"`
	Tier        string    `json:"tier"`
	Commission  int64     `json:"commission"`
	NetPayout   int64     `json:"net_payout"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type checkoutResponse struct {
	ReservationID     string `json:"reservation_id"`
	ExternalReference string `json:"external_reference"`
	RedirectURL       string `json:"redirect_url"`
	Reused            bool   `json:"reused"`
}

type returnResponse struct {
	ReservationID string             `json:"reservation_id,omitempty"`
	State         string             `json:"state,omitempty"`
	Message       string             `json:"message"`
	Redirect      redirectParameters `json:"redirect"`
	Verifying     bool               `json:"verifying"`
}

type redirectParameters struct {
	PaymentID         string `json:"payment_id,omitempty"`
	Status            string `json:"status,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
}

func (handler *httpHandler) handleOpenReservation(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request openReservationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	payerEmail := request.PayerEmail
	if strings.TrimSpace(payerEmail) == "" {
		payerEmail = claims.GetUserEmail()
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	reservation, err := handler.reservations.OpenReservation(requestCtx, checkout.ReservationDraft{
		StudentID:   claims.GetUserID(),
		TeacherID:   request.TeacherID,
		ServiceRef:  request.ServiceRef,
		GrossPrice:  request.GrossPrice,
		Currency:    request.Currency,
		Tier:        request.Tier,
		PayerEmail:  payerEmail,
		WindowStart: request.WindowStart,
		WindowEnd:   request.WindowEnd,
	})
	if err != nil {
		handler.respondError(ctx, "open reservation failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, toReservationResponse(reservation))
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	reservation, ok := handler.ownedReservation(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, toReservationResponse(reservation))
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	reservation, ok := handler.ownedReservation(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	intent, err := handler.intents.CreateIntent(requestCtx, reservation.ID)
	reused := errors.Is(err, checkout.ErrIntentAlreadyIssued)
	if err != nil && !reused {
		handler.respondError(ctx, "checkout failed", err)
		return
	}
	ctx.JSON(http.StatusOK, checkoutResponse{
		ReservationID:     reservation.ID.String(),
		ExternalReference: intent.ExternalReference,
		RedirectURL:       intent.RedirectURL,
		Reused:            reused,
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if _, isAdmin := handler.admins[claims.GetUserID()]; !isAdmin {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", messageForbidden))
		return
	}
	reservationID, err := checkout.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "refund rejected", err)
		return
	}
	actor, err := checkout.NewUserID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "refund rejected", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	result, err := handler.reservations.Refund(requestCtx, reservationID, actor)
	if err != nil {
		handler.respondError(ctx, "refund failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation_id": reservationID.String(),
		"from":           result.From.String(),
		"to":             result.To.String(),
		"applied":        result.Applied,
		"duplicate":      result.Duplicate,
	})
}

// handleWebhook answers quickly; the payment status is fetched later by the verification worker.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	receipt, err := handler.webhooks.Receive(ctx.Request.Context(), body, ctx.Request.URL.Query(), ctx.Request.Header)
	switch {
	case err == nil && receipt.Ignored:
		ctx.JSON(http.StatusOK, gin.H{"status": webhook.OutcomeIgnored})
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": webhook.OutcomeAccepted})
	case errors.Is(err, checkout.ErrMalformedPayload):
		ctx.JSON(http.StatusBadRequest, errorResponse("malformed_payload", "payload rejected"))
	case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrMissingSignature):
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature rejected"))
	default:
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "notification not accepted"))
	}
}

// handleReturn shows the redirect parameters next to the stored state. The query status is display
// only; a verification is queued for the reported payment id instead.
func (handler *httpHandler) handleReturn(ctx *gin.Context) {
	redirect := redirectParameters{
		PaymentID:         strings.TrimSpace(ctx.Query("payment_id")),
		Status:            strings.TrimSpace(ctx.Query("status")),
		ExternalReference: strings.TrimSpace(ctx.Query("external_reference")),
	}
	response := returnResponse{Redirect: redirect, Message: messageAwaiting}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	if paymentID, err := checkout.NewPaymentID(redirect.PaymentID); err == nil {
		dispatchErr := handler.verifications.Dispatch(requestCtx, webhook.Notification{
			PaymentID:  paymentID,
			Topic:      "payment",
			Action:     returnAction,
			ReceivedAt: handler.nowFn().UTC(),
		})
		if dispatchErr != nil {
			handler.logger.Warn("return verification not queued",
				zap.String("payment_id", paymentID.String()),
				zap.Error(dispatchErr),
			)
		}
		response.Verifying = dispatchErr == nil
	}

	rawReservationID := ctx.Query(reservationParam)
	if strings.TrimSpace(rawReservationID) == "" {
		rawReservationID = redirect.ExternalReference
	}
	reservationID, err := checkout.NewReservationID(rawReservationID)
	if err != nil {
		ctx.JSON(http.StatusOK, response)
		return
	}
	reservation, err := handler.reservations.GetReservation(requestCtx, reservationID)
	switch {
	case errors.Is(err, checkout.ErrUnknownReservation):
		response.Message = messageNotFound
		ctx.JSON(http.StatusNotFound, response)
		return
	case err != nil:
		handler.logger.Error("return page lookup failed", zap.String("reservation_id", reservationID.String()), zap.Error(err))
		response.Message = messageInternal
		ctx.JSON(http.StatusInternalServerError, response)
		return
	}
	response.ReservationID = reservation.ID.String()
	response.State = reservation.State.String()
	response.Message = userMessage(reservation.State)
	ctx.JSON(http.StatusOK, response)
}

// ownedReservation loads the :id reservation for its student or an admin and writes the error
// response itself when it returns false.
func (handler *httpHandler) ownedReservation(ctx *gin.Context) (checkout.Reservation, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return checkout.Reservation{}, false
	}
	reservationID, err := checkout.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "reservation lookup rejected", err)
		return checkout.Reservation{}, false
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	reservation, err := handler.reservations.GetReservation(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, "reservation lookup failed", err)
		return checkout.Reservation{}, false
	}
	_, isAdmin := handler.admins[claims.GetUserID()]
	if reservation.StudentID.String() != claims.GetUserID() && !isAdmin {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", messageNotFound))
		return checkout.Reservation{}, false
	}
	return reservation, true
}

// respondError maps engine errors onto stable codes. Diagnostic detail stays in the log.
func (handler *httpHandler) respondError(ctx *gin.Context, logMessage string, err error) {
	status, code, message := classifyError(err)
	fields := []zap.Field{zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessage, fields...)
	} else {
		handler.logger.Info(logMessage, fields...)
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, checkout.ErrInvalidAmount),
		errors.Is(err, checkout.ErrInvalidCurrency),
		errors.Is(err, checkout.ErrInvalidTier),
		errors.Is(err, checkout.ErrInvalidUserID),
		errors.Is(err, checkout.ErrInvalidReservationID),
		errors.Is(err, checkout.ErrInvalidReservationDraft):
		return http.StatusBadRequest, "invalid_reservation", "reservation details are invalid"
	case errors.Is(err, checkout.ErrUnknownReservation):
		return http.StatusNotFound, "not_found", messageNotFound
	case errors.Is(err, checkout.ErrReservationNotRefundable):
		return http.StatusConflict, "not_refundable", "reservation cannot be refunded"
	case errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, checkout.ErrReservationExists):
		return http.StatusConflict, "conflict", "reservation is not in a state that allows this action"
	case errors.Is(err, checkout.ErrIntentCreationFailed),
		checkout.IsRetryable(err):
		return http.StatusServiceUnavailable, "payment_unavailable", messageRetry
	case errors.Is(err, checkout.ErrProcessorRejected):
		return http.StatusBadGateway, "payment_failed", messageFailed
	default:
		return http.StatusInternalServerError, "internal_error", messageInternal
	}
}

func userMessage(state checkout.ReservationState) string {
	switch state {
	case checkout.StatePendingPayment:
		return messagePending
	case checkout.StateAwaitingConfirmation:
		return messageAwaiting
	case checkout.StatePaid:
		return messagePaid
	case checkout.StateRefunded:
		return messageRefunded
	default:
		return messageFailed
	}
}

func toReservationResponse(reservation checkout.Reservation) reservationResponse {
	return reservationResponse{
		ID:          reservation.ID.String(),
		State:       reservation.State.String(),
		SlotState:   reservation.SlotState.String(),
		Message:     userMessage(reservation.State),
		TeacherID:   reservation.TeacherID.String(),
		ServiceRef:  reservation.ServiceRef,
		GrossPrice:  reservation.GrossPrice.Int64(),
		Currency:    reservation.Currency.String(),
		Tier:        reservation.Tier.String(),
		Commission:  reservation.Commission.Int64(),
		NetPayout:   reservation.NetPayout.Int64(),
		CheckoutURL: reservation.CheckoutURL,
		WindowStart: reservation.WindowStart,
		WindowEnd:   reservation.WindowEnd,
	}
}
