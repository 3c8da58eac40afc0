// Package freekassa implements the FreeKassa gateway adapter: signed
// checkout URLs for the hosted payment page and signature verification for
// the asynchronous payment notifications (IPN) it delivers.
//
// FreeKassa uses two merchant secrets with distinct roles. The first secret
// signs requests the merchant sends (checkout), the second verifies
// notifications the merchant receives. The two digests are modeled as
// separate types so a caller cannot verify inbound traffic with the
// outbound secret or vice versa.
package freekassa

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/openbilling/freekassa/billing"
)

const (
	// Hosted payment page, fixed base endpoint
	checkoutBaseURL = "https://pay.freekassa.com/"

	// IPN form field names
	fieldAmount      = "AMOUNT"
	fieldOrderID     = "MERCHANT_ORDER_ID"
	fieldSign        = "SIGN"
	fieldOperationID = "intid"
)

var (
	// ErrConfiguration indicates missing or empty gateway credentials.
	// Fatal at startup, never a per-request error.
	ErrConfiguration = errors.New("freekassa: gateway is not fully configured")

	// ErrInvalidRequest indicates a checkout request that must not be
	// signed or turned into a redirect URL.
	ErrInvalidRequest = errors.New("freekassa: invalid payment request")
)

// OutboundSignature proves a checkout request originated from the merchant.
// Computed with the first secret word only.
type OutboundSignature string

// InboundSignature proves a payment notification originated from the
// gateway. Computed with the second secret word only.
type InboundSignature string

// PaymentRequest describes one checkout. Amount is the canonical decimal
// string exactly as it will ride in the query string and the digest;
// reformatting it between signer and verifier breaks the protocol.
type PaymentRequest struct {
	OrderID  string `json:"orderId" validate:"required"`
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required"`

	Email string `json:"email,omitempty" validate:"omitempty,email"`
	IP    string `json:"ip,omitempty"`
	Phone string `json:"phone,omitempty"`

	SuccessURL      string `json:"successUrl,omitempty"`
	FailureURL      string `json:"failureUrl,omitempty"`
	NotificationURL string `json:"notificationUrl,omitempty"`
}

// Provider holds the merchant credentials for one FreeKassa account.
type Provider struct {
	merchantID  string
	secretWord  string // signs outbound checkout requests
	secretWord2 string // verifies inbound notifications
	apiKey      string
	currency    string
}

// New creates a FreeKassa provider from a configuration map. All five keys
// must be present and non-empty; apiKey is not part of the signing math but
// the gateway account is unusable without it, so its absence is treated the
// same way.
func New(conf map[string]string) (*Provider, error) {
	for _, key := range []string{"merchantId", "secretWord", "secretWord2", "apiKey", "currency"} {
		if strings.TrimSpace(conf[key]) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrConfiguration, key)
		}
	}

	return &Provider{
		merchantID:  conf["merchantId"],
		secretWord:  conf["secretWord"],
		secretWord2: conf["secretWord2"],
		apiKey:      conf["apiKey"],
		currency:    conf["currency"],
	}, nil
}

// MerchantID returns the configured merchant identifier.
func (p *Provider) MerchantID() string { return p.merchantID }

// Currency returns the configured gateway currency.
func (p *Provider) Currency() string { return p.currency }

// SignCheckout computes the outbound signature over
// merchantId:amount:secretWord:currency:orderId.
func (p *Provider) SignCheckout(amount, currency, orderID string) OutboundSignature {
	data := strings.Join([]string{p.merchantID, amount, p.secretWord, currency, orderID}, ":")
	return OutboundSignature(md5Hex(data))
}

// SignNotification computes the inbound signature over
// merchantId:amount:secretWord2:orderId. Currency is not part of the
// inbound digest; that asymmetry is the gateway's wire contract.
func (p *Provider) SignNotification(amount, orderID string) InboundSignature {
	data := strings.Join([]string{p.merchantID, amount, p.secretWord2, orderID}, ":")
	return InboundSignature(md5Hex(data))
}

// BuildCheckoutURL produces the signed redirect URL to the hosted payment
// page. Pure with respect to the request and credentials; the caller is
// responsible for redirecting the payer.
func (p *Provider) BuildCheckoutURL(req PaymentRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	sign := p.SignCheckout(req.Amount, req.Currency, req.OrderID)

	params := url.Values{}
	params.Set("m", p.merchantID)
	params.Set("oa", req.Amount)
	params.Set("o", req.OrderID)
	params.Set("currency", req.Currency)
	params.Set("s", string(sign))

	// Optional fields are left out entirely rather than sent empty
	setIfPresent(params, "email", req.Email)
	setIfPresent(params, "ip", req.IP)
	setIfPresent(params, "tel", req.Phone)
	setIfPresent(params, "success_url", req.SuccessURL)
	setIfPresent(params, "failure_url", req.FailureURL)
	setIfPresent(params, "notification_url", req.NotificationURL)

	return checkoutBaseURL + "?" + params.Encode(), nil
}

// ParseNotification extracts the IPN fields from a form payload. The
// optional intid field carries the gateway's operation id, used as the
// transaction's external reference.
func ParseNotification(form url.Values) (billing.Notification, error) {
	n := billing.Notification{
		Amount:      form.Get(fieldAmount),
		OrderID:     form.Get(fieldOrderID),
		OperationID: form.Get(fieldOperationID),
		Signature:   form.Get(fieldSign),
	}

	for field, value := range map[string]string{
		fieldAmount:  n.Amount,
		fieldOrderID: n.OrderID,
		fieldSign:    n.Signature,
	} {
		if value == "" {
			return billing.Notification{}, fmt.Errorf("freekassa: missing %s in notification", field)
		}
	}

	return n, nil
}

// VerifyNotification recomputes the inbound signature over the exact wire
// text and compares it in constant time. Implements
// billing.NotificationVerifier.
func (p *Provider) VerifyNotification(n billing.Notification) error {
	expected := p.SignNotification(n.Amount, n.OrderID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(n.Signature))) != 1 {
		return billing.ErrUntrustedNotification
	}
	return nil
}

func validateRequest(req PaymentRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidRequest)
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil {
		return fmt.Errorf("%w: amount %q is not a decimal", ErrInvalidRequest, req.Amount)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	return nil
}

func setIfPresent(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func md5Hex(data string) string {
	hash := md5.Sum([]byte(data))
	return hex.EncodeToString(hash[:])
}
