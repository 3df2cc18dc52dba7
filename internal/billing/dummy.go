package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

const DummyName = "dummy"

// Dummy is the self-certifying provider used in development and tests. It
// moves no money: checkouts are local URLs and signatures are HMACs over
// "event_id:transaction_id".
type Dummy struct {
	secret  string
	baseURL string
}

func NewDummy(secret, baseURL string) *Dummy {
	return &Dummy{secret: secret, baseURL: baseURL}
}

func (d *Dummy) Name() string { return DummyName }

func (d *Dummy) ActivatesOnCheckout() bool { return true }

func (d *Dummy) CreateCheckout(ctx context.Context, plan string) (*Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan == "" {
		return nil, ErrUnknownPlan
	}
	id := "dummy_" + uuid.NewString()
	return &Checkout{
		ID:          id,
		RedirectURL: d.baseURL + "/dummy/checkout/" + id + "?plan=" + plan,
	}, nil
}

func (d *Dummy) VerifySignature(event WebhookEvent, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(d.secret, event)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign produces the signature Dummy accepts for event. Without a secret the
// signature is the bare "event_id:transaction_id" string.
func Sign(secret string, event WebhookEvent) string {
	payload := event.EventID + ":" + event.TransactionID
	if secret == "" {
		return payload
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
