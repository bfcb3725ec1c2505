package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
)

const (
	PayMongoName            = "paymongo"
	PayMongoSignatureHeader = "Paymongo-Signature"
)

// PayMongo verifies deliveries signed as "t=<unix>,te=<hex>,li=<hex>", where the
// MAC is HMAC-SHA256 over "<t>.<body>". te carries the test-mode signature, li
// the live-mode one.
type PayMongo struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewPayMongo(secret string, tolerance time.Duration) *PayMongo {
	return &PayMongo{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (p *PayMongo) Name() string { return PayMongoName }

type paymongoResource struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type paymongoEvent struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Type     string           `json:"type"`
			Livemode bool             `json:"livemode"`
			Data     paymongoResource `json:"data"`
		} `json:"attributes"`
	} `json:"data"`
}

type paymongoPayment struct {
	Amount          int64  `json:"amount"`
	PaymentIntentID string `json:"payment_intent_id"`
	FailedCode      string `json:"failed_code"`
	FailedMessage   string `json:"failed_message"`
	Refunds         []struct {
		Attributes struct {
			Amount int64 `json:"amount"`
		} `json:"attributes"`
	} `json:"refunds"`
}

type paymongoCheckout struct {
	PaymentIntent *struct {
		ID string `json:"id"`
	} `json:"payment_intent"`
	Payments []paymongoResource `json:"payments"`
}

func (p *PayMongo) Verify(payload []byte, header http.Header) (Envelope, error) {
	raw := header.Get(PayMongoSignatureHeader)
	if raw == "" {
		return Envelope{}, fmt.Errorf("paymongo: missing %s header: %w", PayMongoSignatureHeader, apperrors.ErrInvalidSignature)
	}
	ts, test, live, err := parsePayMongoHeader(raw)
	if err != nil {
		return Envelope{}, err
	}
	if p.tolerance > 0 {
		age := p.now().Sub(time.Unix(ts, 0))
		if age > p.tolerance || age < -p.tolerance {
			return Envelope{}, fmt.Errorf("paymongo: timestamp outside tolerance: %w", apperrors.ErrInvalidSignature)
		}
	}

	expected := []byte(p.sign(ts, payload))
	testOK := test != "" && hmac.Equal([]byte(test), expected)
	liveOK := live != "" && hmac.Equal([]byte(live), expected)
	if !testOK && !liveOK {
		return Envelope{}, fmt.Errorf("paymongo: signature mismatch: %w", apperrors.ErrInvalidSignature)
	}

	env, err := p.Decode(payload)
	if err != nil {
		return Envelope{}, err
	}
	if (env.Livemode && !liveOK) || (!env.Livemode && !testOK) {
		return Envelope{}, fmt.Errorf("paymongo: signature does not match event mode: %w", apperrors.ErrInvalidSignature)
	}
	return env, nil
}

func (p *PayMongo) sign(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds a header value for payload, as the gateway would.
func (p *PayMongo) SignatureHeader(payload []byte, at time.Time, livemode bool) string {
	sig := p.sign(at.Unix(), payload)
	if livemode {
		return fmt.Sprintf("t=%d,te=,li=%s", at.Unix(), sig)
	}
	return fmt.Sprintf("t=%d,te=%s,li=", at.Unix(), sig)
}

func parsePayMongoHeader(raw string) (ts int64, test, live string, err error) {
	var haveTS bool
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", "", fmt.Errorf("paymongo: bad timestamp: %w", apperrors.ErrInvalidSignature)
			}
			haveTS = true
		case "te":
			test = v
		case "li":
			live = v
		}
	}
	if !haveTS {
		return 0, "", "", fmt.Errorf("paymongo: header has no timestamp: %w", apperrors.ErrInvalidSignature)
	}
	return ts, test, live, nil
}

func (p *PayMongo) Decode(payload []byte) (Envelope, error) {
	var evt paymongoEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Envelope{}, malformed(PayMongoName, err)
	}
	if evt.Data.ID == "" || evt.Data.Attributes.Type == "" {
		return Envelope{}, malformed(PayMongoName, errors.New("event id or type missing"))
	}

	env := Envelope{
		ProviderEventID: evt.Data.ID,
		EventType:       evt.Data.Attributes.Type,
		Livemode:        evt.Data.Attributes.Livemode,
	}

	res := evt.Data.Attributes.Data
	switch res.Type {
	case "checkout_session":
		env.CheckoutID = res.ID
		var cs paymongoCheckout
		if err := json.Unmarshal(res.Attributes, &cs); err != nil {
			return Envelope{}, malformed(PayMongoName, err)
		}
		if cs.PaymentIntent != nil {
			env.PaymentIntentID = cs.PaymentIntent.ID
		}
		if len(cs.Payments) > 0 {
			env.GatewayPaymentID = cs.Payments[0].ID
			var pay paymongoPayment
			if err := json.Unmarshal(cs.Payments[0].Attributes, &pay); err == nil {
				env.Amount = pay.Amount
			}
		}
	case "payment":
		env.GatewayPaymentID = res.ID
		var pay paymongoPayment
		if err := json.Unmarshal(res.Attributes, &pay); err != nil {
			return Envelope{}, malformed(PayMongoName, err)
		}
		env.PaymentIntentID = pay.PaymentIntentID
		env.Amount = pay.Amount
		if len(pay.Refunds) > 0 {
			var refunded int64
			for _, r := range pay.Refunds {
				refunded += r.Attributes.Amount
			}
			env.Amount = refunded
		}
		env.FailureReason = strings.TrimSpace(strings.Join(nonEmpty(pay.FailedCode, pay.FailedMessage), ": "))
	}
	return env, nil
}

func nonEmpty(ss ...string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
