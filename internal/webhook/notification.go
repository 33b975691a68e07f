package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
)

const (
	topicPayment     = "payment"
	queryTopic       = "topic"
	queryType        = "type"
	queryID          = "id"
	queryDataID      = "data.id"
	maxPayloadBytes  = 64 << 10
	throttleKeyDelim = ":"
)

// ErrIgnoredTopic marks a well-formed notification about something other than a payment.
var ErrIgnoredTopic = errors.New("ignored notification topic")

// Notification is a syntactically valid inbound notification. Only the payment id is ever used
// to drive state; the status is always fetched again from the processor.
type Notification struct {
	PaymentID      checkout.PaymentID
	Topic          string
	Action         string
	RequestID      string
	ReceivedAt     time.Time
	SignatureValid bool
}

// ThrottleKey identifies notifications that may be coalesced within the throttle window.
func (notification Notification) ThrottleKey() string {
	return notification.PaymentID.String() + throttleKeyDelim + notification.Action
}

type notificationBody struct {
	ID     json.RawMessage `json:"id"`
	Type   string          `json:"type"`
	Topic  string          `json:"topic"`
	Action string          `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseNotification extracts the topic and payment id from a webhook body and its query string.
// The body wins over the query. Non-payment topics fail with ErrIgnoredTopic, anything else that
// cannot name a payment fails with checkout.ErrMalformedPayload.
func ParseNotification(body []byte, query url.Values) (Notification, error) {
	if len(body) > maxPayloadBytes {
		return Notification{}, fmt.Errorf("%w: payload exceeds %d bytes", checkout.ErrMalformedPayload, maxPayloadBytes)
	}
	var parsed notificationBody
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
		}
	}

	topic := firstNonEmpty(parsed.Type, parsed.Topic, query.Get(queryType), query.Get(queryTopic))
	if topic == "" {
		return Notification{}, fmt.Errorf("%w: missing topic", checkout.ErrMalformedPayload)
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic != topicPayment {
		return Notification{Topic: topic, Action: parsed.Action}, fmt.Errorf("%w: %s", ErrIgnoredTopic, topic)
	}

	rawID := firstNonEmpty(rawIdentifier(parsed.Data.ID), query.Get(queryDataID), query.Get(queryID))
	if parsed.Type == "" && parsed.Topic != "" {
		// Legacy feeds put the payment id at the top level.
		rawID = firstNonEmpty(rawIdentifier(parsed.ID), rawID)
	}
	paymentID, err := checkout.NewPaymentID(rawID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
	}
	return Notification{
		PaymentID: paymentID,
		Topic:     topic,
		Action:    strings.TrimSpace(parsed.Action),
	}, nil
}

// rawIdentifier accepts ids sent either as JSON strings or JSON numbers.
func rawIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
