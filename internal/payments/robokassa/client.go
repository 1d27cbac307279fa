// Package robokassa implements the bank-redirect payment provider:
// signed payment links and verification of the ResultURL callback.
package robokassa

import (
	"crypto/md5" //nolint:gosec // the provider signs with MD5 unless configured otherwise
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the merchant payment page.
const DefaultBaseURL = "https://auth.robokassa.ru/Merchant/Index.aspx"

// Supported signature digests.
const (
	DigestMD5    = "md5"
	DigestSHA256 = "sha256"
)

// Errors returned by the client.
var (
	ErrInvalidPayload   = errors.New("invalid result payload")
	ErrInvalidSignature = errors.New("invalid result signature")
)

// Config holds merchant credentials.
type Config struct {
	MerchantLogin string
	Password1     string
	Password2     string
	Digest        string
	BaseURL       string
	IsTest        bool
}

// Client builds payment links and verifies result callbacks.
type Client struct {
	config  Config
	newHash func() hash.Hash
}

// NewClient validates the config and selects the signature digest.
func NewClient(config Config) (*Client, error) {
	if config.MerchantLogin == "" || config.Password1 == "" || config.Password2 == "" {
		return nil, errors.New("robokassa: merchant login and both passwords are required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}

	var newHash func() hash.Hash
	switch strings.ToLower(strings.TrimSpace(config.Digest)) {
	case "", DigestMD5:
		newHash = md5.New
	case DigestSHA256, "sha-256":
		newHash = sha256.New
	default:
		return nil, fmt.Errorf("robokassa: unsupported signature digest %q", config.Digest)
	}

	return &Client{config: config, newHash: newHash}, nil
}

// Result is a parsed ResultURL callback.
type Result struct {
	OutSum    string
	Amount    decimal.Decimal
	InvID     int64
	Signature string
	// Shp holds custom Shp_* parameters keyed by their name as received.
	Shp map[string]string
}

// ShpValue returns a custom parameter by name without the Shp_ prefix, case-insensitively.
func (r *Result) ShpValue(name string) (string, bool) {
	want := "shp_" + strings.ToLower(name)
	for k, v := range r.Shp {
		if strings.ToLower(k) == want {
			return v, true
		}
	}
	return "", false
}

// PaymentURL returns the signed redirect URL. Keys of shp must carry the Shp_ prefix.
func (c *Client) PaymentURL(invID int64, amount decimal.Decimal, description string, shp map[string]string) (string, error) {
	if invID <= 0 {
		return "", fmt.Errorf("robokassa: invalid invoice id %d", invID)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("robokassa: amount must be positive")
	}
	for k := range shp {
		if !isShp(k) {
			return "", fmt.Errorf("robokassa: custom parameter %q must start with Shp_", k)
		}
	}

	outSum := amount.StringFixed(2)
	inv := strconv.FormatInt(invID, 10)
	signature := c.sign(shp, c.config.MerchantLogin, outSum, inv, c.config.Password1)

	q := url.Values{}
	q.Set("MerchantLogin", c.config.MerchantLogin)
	q.Set("OutSum", outSum)
	q.Set("InvId", inv)
	q.Set("Description", description)
	q.Set("SignatureValue", signature)
	for k, v := range shp {
		q.Set(k, v)
	}
	if c.config.IsTest {
		q.Set("IsTest", "1")
	}

	return c.config.BaseURL + "?" + q.Encode(), nil
}

// ParseResult extracts callback fields, accepting the aliases the provider uses.
func (c *Client) ParseResult(form url.Values) (*Result, error) {
	outSum := firstOf(form, "OutSum", "out_sum", "OUTSUM")
	invRaw := firstOf(form, "InvId", "InvID", "inv_id")
	signature := firstOf(form, "SignatureValue", "Signature", "signature_value")
	if outSum == "" || invRaw == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing OutSum, InvId or SignatureValue", ErrInvalidPayload)
	}

	amount, err := decimal.NewFromString(outSum)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid OutSum", ErrInvalidPayload)
	}
	invID, err := strconv.ParseInt(invRaw, 10, 64)
	if err != nil || invID <= 0 {
		return nil, fmt.Errorf("%w: invalid InvId", ErrInvalidPayload)
	}

	shp := make(map[string]string)
	for k, v := range form {
		if isShp(k) && len(v) > 0 {
			shp[k] = v[0]
		}
	}

	return &Result{
		OutSum:    outSum,
		Amount:    amount,
		InvID:     invID,
		Signature: signature,
		Shp:       shp,
	}, nil
}

// VerifyResult checks the callback signature made with password 2.
// The sum is accepted both as sent and rounded to 2 places, the provider
// uses either depending on the merchant mode.
func (c *Client) VerifyResult(r *Result) error {
	inv := strconv.FormatInt(r.InvID, 10)
	got := strings.ToLower(strings.TrimSpace(r.Signature))

	candidates := []string{r.OutSum}
	if fixed := r.Amount.StringFixed(2); fixed != r.OutSum {
		candidates = append(candidates, fixed)
	}
	for _, outSum := range candidates {
		want := c.sign(r.Shp, outSum, inv, c.config.Password2)
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1 {
			return nil
		}
	}
	return ErrInvalidSignature
}

// sign hashes parts joined by ':' followed by Shp_k=v pairs sorted by key case-insensitively.
func (c *Client) sign(shp map[string]string, parts ...string) string {
	keys := make([]string, 0, len(shp))
	for k := range shp {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	base := append([]string{}, parts...)
	for _, k := range keys {
		base = append(base, k+"="+shp[k])
	}

	h := c.newHash()
	h.Write([]byte(strings.Join(base, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

func isShp(key string) bool {
	return len(key) > 4 && strings.EqualFold(key[:4], "shp_")
}

func firstOf(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(form.Get(k)); v != "" {
			return v
		}
	}
	return ""
}
