package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a signed webhook timestamp.
const DefaultTolerance = 5 * time.Minute

// SignatureVerifier validates "t=<unix>,v1=<hex hmac>" webhook signature headers.
type SignatureVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// SignPayload builds a signature header for payload signed at ts.
func SignPayload(secret string, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(secret, unix, payload)
}

func computeSignature(secret, unix string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the header against payload and decodes the event.
func (v SignatureVerifier) Verify(payload []byte, header string) (Event, error) {
	if v.Secret == "" {
		return Event{}, fmt.Errorf("%w: webhook secret not configured", ErrSignature)
	}
	var unix string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			unix = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if unix == "" || len(candidates) == 0 {
		return Event{}, fmt.Errorf("%w: malformed signature header", ErrSignature)
	}
	ts, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bad timestamp", ErrSignature)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if age := now().Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
		return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}
	expected := computeSignature(v.Secret, unix, payload)
	matched := false
	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(strings.ToLower(c))) {
			matched = true
			break
		}
	}
	if !matched {
		return Event{}, fmt.Errorf("%w: signature mismatch", ErrSignature)
	}
	return ParseEvent(payload)
}

// ParseEvent decodes a processor event envelope. It does not verify anything.
func ParseEvent(payload []byte) (Event, error) {
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: invalid event payload", ErrSignature)
	}
	evt := Event{ID: envelope.ID, Type: envelope.Type, Created: envelope.Created}
	if len(envelope.Data.Object) > 0 && strings.HasPrefix(envelope.Type, "payment_intent.") {
		if err := json.Unmarshal(envelope.Data.Object, &evt.Intent); err != nil {
			return Event{}, fmt.Errorf("%w: invalid intent object", ErrSignature)
		}
		evt.IntentID = evt.Intent.ID
	}
	return evt, nil
}
