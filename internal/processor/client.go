package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	tracerName           = "github.com/MarkoPoloResearchLab/tutorpay/internal/processor"
	pathPreferences      = "/checkout/preferences"
	pathPayments         = "/v1/payments/"
	pathPaymentSearch    = "/v1/payments/search"
	pathRefundsSuffix    = "/refunds"
	headerAuthorization  = "Authorization"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"
	autoReturnApproved   = "approved"
	maxErrorBodyBytes    = 4096
	maxResponseBodyBytes = 1 << 20
	defaultTimeout       = 5 * time.Second
	defaultRatePerSecond = 10
	defaultBurst         = 20
)

// Config configures the processor HTTP client.
type Config struct {
	BaseURL       string
	AccessToken   string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client talks to the payment processor's REST API. It implements checkout.Processor.
type Client struct {
	baseURL     *url.URL
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	tracer      trace.Tracer
}

// NewClient validates config and builds a Client. A nil httpClient gets an instrumented default.
func NewClient(config Config, httpClient *http.Client) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: processor base url %q", checkout.ErrInvalidServiceConfig, config.BaseURL)
	}
	if strings.TrimSpace(config.AccessToken) == "" {
		return nil, fmt.Errorf("%w: processor access token is empty", checkout.ErrInvalidServiceConfig)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	ratePerSecond := config.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	burst := config.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(config.AccessToken),
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// CreatePreference registers a checkout preference and returns its id and redirect point.
func (client *Client) CreatePreference(ctx context.Context, request checkout.PreferenceRequest) (checkout.Preference, error) {
	ctx, span := client.tracer.Start(ctx, "processor.CreatePreference", trace.WithAttributes(
		attribute.String("checkout.external_reference", request.ExternalReference),
	))
	defer span.End()

	body := preferenceRequest{
		Items: []preferenceItem{{
			Title:      request.Title,
			Quantity:   request.Quantity,
			CurrencyID: request.Currency.String(),
			UnitPrice:  formatMinorUnits(request.UnitPrice, request.Currency),
		}},
		Payer: preferencePayer{Email: request.PayerEmail},
		BackURLs: preferenceBackURLs{
			Success: request.BackURLs.Success,
			Failure: request.BackURLs.Failure,
			Pending: request.BackURLs.Pending,
		},
		NotificationURL:   request.NotificationURL,
		ExternalReference: request.ExternalReference,
		AutoReturn:        autoReturnApproved,
	}
	var response preferenceResponse
	err := client.do(ctx, http.MethodPost, pathPreferences, nil, body, request.IdempotencyKey, &response, checkout.ErrProcessorRejected)
	if err != nil {
		recordSpanError(span, err)
		return checkout.Preference{}, err
	}
	return checkout.Preference{ID: response.ID, InitPoint: response.InitPoint}, nil
}

// GetPayment fetches the authoritative record of a payment.
func (client *Client) GetPayment(ctx context.Context, paymentID checkout.PaymentID) (checkout.VerifiedPayment, error) {
	ctx, span := client.tracer.Start(ctx, "processor.GetPayment", trace.WithAttributes(
		attribute.String("checkout.payment_id", paymentID.String()),
	))
	defer span.End()

	var response paymentResponse
	err := client.do(ctx, http.MethodGet, pathPayments+url.PathEscape(paymentID.String()), nil, nil, "", &response, checkout.ErrPaymentNotFound)
	if err != nil {
		recordSpanError(span, err)
		return checkout.VerifiedPayment{}, err
	}
	payment, err := toVerifiedPayment(response)
	if err != nil {
		recordSpanError(span, err)
		return checkout.VerifiedPayment{}, err
	}
	span.SetAttributes(attribute.String("checkout.payment_status", payment.Status.String()))
	return payment, nil
}

// SearchPayments lists payments carrying externalReference.
func (client *Client) SearchPayments(ctx context.Context, externalReference string) ([]checkout.VerifiedPayment, error) {
	ctx, span := client.tracer.Start(ctx, "processor.SearchPayments", trace.WithAttributes(
		attribute.String("checkout.external_reference", externalReference),
	))
	defer span.End()

	query := url.Values{}
	query.Set("external_reference", externalReference)
	query.Set("sort", "date_created")
	query.Set("criteria", "desc")
	var response paymentSearchResponse
	if err := client.do(ctx, http.MethodGet, pathPaymentSearch, query, nil, "", &response, checkout.ErrProcessorRejected); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	payments := make([]checkout.VerifiedPayment, 0, len(response.Results))
	for _, result := range response.Results {
		payment, err := toVerifiedPayment(result)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// RefundPayment issues a full refund. The payment id doubles as idempotency key.
func (client *Client) RefundPayment(ctx context.Context, paymentID checkout.PaymentID) error {
	ctx, span := client.tracer.Start(ctx, "processor.RefundPayment", trace.WithAttributes(
		attribute.String("checkout.payment_id", paymentID.String()),
	))
	defer span.End()

	path := pathPayments + url.PathEscape(paymentID.String()) + pathRefundsSuffix
	if err := client.do(ctx, http.MethodPost, path, nil, refundRequest{}, "refund-"+paymentID.String(), nil, checkout.ErrPaymentNotFound); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// do performs one request. notFound is the sentinel reported for 404 answers.
func (client *Client) do(ctx context.Context, method string, path string, query url.Values, body any, idempotencyKey string, out any, notFound error) error {
	if err := client.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", checkout.ErrProcessorUnavailable, err)
	}
	endpoint := *client.baseURL
	endpoint.Path = client.baseURL.Path + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", checkout.ErrProcessorRejected, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", checkout.ErrProcessorRejected, err)
	}
	request.Header.Set(headerAuthorization, "Bearer "+client.accessToken)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", checkout.ErrProcessorUnavailable, method, path, err)
	}
	defer response.Body.Close()

	if err := classifyStatus(response, notFound); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBodyBytes))
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(response.Body, maxResponseBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", checkout.ErrProcessorUnavailable, path, err)
	}
	return nil
}

func classifyStatus(response *http.Response, notFound error) error {
	status := response.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}
	detail := readErrorDetail(response.Body)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d %s", notFound, status, detail)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: status %d %s", checkout.ErrProcessorUnavailable, status, detail)
	default:
		return fmt.Errorf("%w: status %d %s", checkout.ErrProcessorRejected, status, detail)
	}
}

func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(raw))
}

func toVerifiedPayment(response paymentResponse) (checkout.VerifiedPayment, error) {
	paymentID, err := checkout.NewPaymentID(response.ID.String())
	if err != nil {
		return checkout.VerifiedPayment{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
	}
	currency, err := checkout.NewCurrency(response.CurrencyID)
	if err != nil {
		return checkout.VerifiedPayment{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
	}
	amount, err := parseMinorUnits(response.TransactionAmount, currency)
	if err != nil {
		return checkout.VerifiedPayment{}, err
	}
	return checkout.VerifiedPayment{
		PaymentID:          paymentID,
		Status:             checkout.NormalizePaymentStatus(response.Status),
		RawStatus:          response.Status,
		Amount:             amount,
		Currency:           currency,
		ExternalReference:  strings.TrimSpace(response.ExternalReference),
		ProcessorTimestamp: firstTimestamp(response.DateLastUpdated, response.DateApproved, response.DateCreated),
	}, nil
}

func firstTimestamp(candidates ...string) time.Time {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339Nano, candidate); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errorClass(err))
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, checkout.ErrProcessorUnavailable):
		return "unavailable"
	case errors.Is(err, checkout.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, checkout.ErrMalformedPayload):
		return "malformed"
	default:
		return "rejected"
	}
}
