package processor

import "encoding/json"

type preferenceItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type preferencePayer struct {
	Email string `json:"email,omitempty"`
}

type preferenceBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	Items             []preferenceItem   `json:"items"`
	Payer             preferencePayer    `json:"payer"`
	BackURLs          preferenceBackURLs `json:"back_urls"`
	NotificationURL   string             `json:"notification_url"`
	ExternalReference string             `json:"external_reference"`
	AutoReturn        string             `json:"auto_return,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	TransactionAmount json.Number `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	ExternalReference string      `json:"external_reference"`
	DateLastUpdated   string      `json:"date_last_updated"`
	DateApproved      string      `json:"date_approved"`
	DateCreated       string      `json:"date_created"`
}

type paymentSearchResponse struct {
	Results []paymentResponse `json:"results"`
}

type refundRequest struct{}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}
