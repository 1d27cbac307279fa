// Package cryptopay implements the crypto-invoice payment provider:
// the Crypto Pay API client and webhook verification.
package cryptopay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL is the mainnet API endpoint.
	DefaultBaseURL = "https://pay.crypt.bot/api"
	// TestnetBaseURL is the testnet API endpoint.
	TestnetBaseURL = "https://testnet-pay.crypt.bot/api"

	defaultTimeout = 10 * time.Second

	// SignatureHeader carries the webhook signature.
	SignatureHeader = "crypto-pay-api-signature"
	tokenHeader     = "Crypto-Pay-API-Token"
)

// Invoice statuses.
const (
	StatusActive  = "active"
	StatusPaid    = "paid"
	StatusExpired = "expired"
)

// UpdateTypeInvoicePaid is the only webhook update that settles a payment.
const UpdateTypeInvoicePaid = "invoice_paid"

// Errors returned by the client.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// Config holds API client configuration.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Client calls the Crypto Pay API.
type Client struct {
	config     Config
	httpClient *http.Client
	secret     []byte
}

// NewClient creates a new API client.
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, errors.New("cryptopay: api token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	secret := sha256.Sum256([]byte(config.Token))

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		secret:     secret[:],
	}, nil
}

// Invoice is a provider invoice.
type Invoice struct {
	InvoiceID         int64           `json:"invoice_id"`
	Hash              string          `json:"hash,omitempty"`
	CurrencyType      string          `json:"currency_type,omitempty"`
	Asset             string          `json:"asset,omitempty"`
	Fiat              string          `json:"fiat,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAsset         string          `json:"paid_asset,omitempty"`
	PaidAmount        string          `json:"paid_amount,omitempty"`
	Status            string          `json:"status"`
	Description       string          `json:"description,omitempty"`
	Payload           string          `json:"payload,omitempty"`
	BotInvoiceURL     string          `json:"bot_invoice_url,omitempty"`
	MiniAppInvoiceURL string          `json:"mini_app_invoice_url,omitempty"`
	WebAppInvoiceURL  string          `json:"web_app_invoice_url,omitempty"`
	CreatedAt         *time.Time      `json:"created_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
}

// PayURL returns the best link for the payer.
func (i *Invoice) PayURL() string {
	switch {
	case i.MiniAppInvoiceURL != "":
		return i.MiniAppInvoiceURL
	case i.BotInvoiceURL != "":
		return i.BotInvoiceURL
	default:
		return i.WebAppInvoiceURL
	}
}

// CreateInvoiceInput describes a fiat-denominated invoice.
type CreateInvoiceInput struct {
	Amount         decimal.Decimal
	Fiat           string
	AcceptedAssets []string
	Description    string
	Payload        string
	ExpiresIn      time.Duration
}

type createInvoiceRequest struct {
	CurrencyType   string `json:"currency_type"`
	Fiat           string `json:"fiat"`
	Amount         string `json:"amount"`
	AcceptedAssets string `json:"accepted_assets,omitempty"`
	Description    string `json:"description,omitempty"`
	Payload        string `json:"payload,omitempty"`
	ExpiresIn      int64  `json:"expires_in,omitempty"`
}

// CreateInvoice creates an invoice priced in fiat and paid in one of the accepted assets.
func (c *Client) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	req := createInvoiceRequest{
		CurrencyType:   "fiat",
		Fiat:           in.Fiat,
		Amount:         in.Amount.StringFixed(2),
		AcceptedAssets: strings.Join(in.AcceptedAssets, ","),
		Description:    in.Description,
		Payload:        in.Payload,
		ExpiresIn:      int64(in.ExpiresIn.Seconds()),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var invoice Invoice
	if err := c.do(ctx, http.MethodPost, "/createInvoice", bytes.NewReader(body), &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

type invoicesResult struct {
	Items []Invoice `json:"items"`
}

// GetInvoices returns the current state of the given invoices.
func (c *Client) GetInvoices(ctx context.Context, ids []int64) ([]Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	q := url.Values{}
	q.Set("invoice_ids", strings.Join(parts, ","))
	q.Set("count", strconv.Itoa(len(ids)))

	var result invoicesResult
	if err := c.do(ctx, http.MethodGet, "/getInvoices?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(tokenHeader, c.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 500 {
			return &RetryableError{Code: resp.StatusCode, Message: "server error"}
		}
		return &PermanentError{Code: resp.StatusCode, Message: "malformed response"}
	}

	if !envelope.OK {
		name := "unknown error"
		if envelope.Error != nil && envelope.Error.Name != "" {
			name = envelope.Error.Name
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &RetryableError{Code: resp.StatusCode, Message: name}
		}
		return &PermanentError{Code: resp.StatusCode, Message: name}
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("decode result: %v", err)}
		}
	}
	return nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body keyed by SHA-256 of the API token.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Update is a webhook update.
type Update struct {
	UpdateID    int64           `json:"update_id"`
	UpdateType  string          `json:"update_type"`
	RequestDate string          `json:"request_date"`
	Payload     json.RawMessage `json:"payload"`
}

// ParseUpdate decodes a webhook body. It does not verify the signature.
func ParseUpdate(body []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	u.UpdateType = strings.TrimSpace(u.UpdateType)
	return &u, nil
}

// Invoice decodes the update payload as an invoice.
func (u *Update) Invoice() (*Invoice, error) {
	if len(u.Payload) == 0 || u.Payload[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidPayload)
	}
	var inv Invoice
	if err := json.Unmarshal(u.Payload, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if inv.InvoiceID <= 0 {
		return nil, fmt.Errorf("%w: missing invoice_id", ErrInvalidPayload)
	}
	return &inv, nil
}
