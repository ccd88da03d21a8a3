package signer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkantrust/donation-settlement/models"
)

// ErrUnrecognizedPayload is returned when a provider body matches none of
// the known shapes.
var ErrUnrecognizedPayload = errors.New("unrecognized payload shape")

// State is the provider-side state of a payload.
type State string

const (
	StatePending   State = "pending"
	StateSigned    State = "signed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Status is a decoded provider status. Result is set only for StateSigned.
type Status struct {
	State     State                `json:"state"`
	Result    *models.SignedResult `json:"result,omitempty"`
	ExpiresAt time.Time            `json:"expiresAt,omitempty"`
}

func Pending(expiresAt time.Time) Status { return Status{State: StatePending, ExpiresAt: expiresAt} }
func Signed(r models.SignedResult) Status {
	return Status{State: StateSigned, Result: &r}
}
func Cancelled() Status { return Status{State: StateCancelled} }
func Expired() Status   { return Status{State: StateExpired} }

// Terminal reports whether the provider will not change the state again.
func (s Status) Terminal() bool { return s.State != StatePending }

// restBody is the shape of GET /platform/payload/{uuid}.
type restBody struct {
	Meta *struct {
		Exists    bool `json:"exists"`
		Resolved  bool `json:"resolved"`
		Signed    bool `json:"signed"`
		Cancelled bool `json:"cancelled"`
		Expired   bool `json:"expired"`
	} `json:"meta"`
	Payload struct {
		TxType    string `json:"tx_type"`
		ExpiresAt string `json:"expires_at"`
	} `json:"payload"`
	Response *struct {
		Hex              string `json:"hex"`
		TxID             string `json:"txid"`
		Account          string `json:"account"`
		DispatchedTo     string `json:"dispatched_to"`
		DispatchedResult string `json:"dispatched_result"`
	} `json:"response"`
}

// DecodeStatus turns a payload status body into a Status. A signed payload
// must carry a response with the signing account and a transaction id or
// blob; otherwise the body is rejected.
func DecodeStatus(body []byte) (Status, error) {
	var b restBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if b.Meta == nil || !b.Meta.Exists {
		return Status{}, fmt.Errorf("%w: missing meta", ErrUnrecognizedPayload)
	}
	m := b.Meta
	switch {
	case m.Signed:
		r := b.Response
		if r == nil || r.Account == "" || (r.TxID == "" && r.Hex == "") {
			return Status{}, fmt.Errorf("%w: signed payload without response", ErrUnrecognizedPayload)
		}
		return Signed(models.SignedResult{
			TxID:       r.TxID,
			Account:    r.Account,
			Hex:        r.Hex,
			Dispatched: r.DispatchedTo != "" || r.DispatchedResult != "",
			TxType:     b.Payload.TxType,
		}), nil
	case m.Expired:
		return Expired(), nil
	case m.Cancelled, m.Resolved:
		// Resolved without a signature is a decline in the app.
		return Cancelled(), nil
	}
	var expiresAt time.Time
	if b.Payload.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, b.Payload.ExpiresAt)
		if err != nil {
			return Status{}, fmt.Errorf("%w: bad expires_at %q", ErrUnrecognizedPayload, b.Payload.ExpiresAt)
		}
		expiresAt = t
	}
	return Pending(expiresAt), nil
}

// Frame is one decoded socket message. Terminal frames end the
// subscription. A terminal frame with a nil Status says the payload
// resolved but the details must be fetched.
type Frame struct {
	Terminal bool
	Status   *Status
}

// DecodeFrame decodes a payload socket message. Informational frames
// (welcome, countdown, opened, keepalive) come back non-terminal.
func DecodeFrame(msg []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if raw, ok := fields["expired"]; ok && string(raw) == "true" {
		st := Expired()
		return Frame{Terminal: true, Status: &st}, nil
	}
	if raw, ok := fields["signed"]; ok {
		var signed bool
		if err := json.Unmarshal(raw, &signed); err != nil {
			return Frame{}, fmt.Errorf("%w: bad signed field", ErrUnrecognizedPayload)
		}
		if !signed {
			st := Cancelled()
			return Frame{Terminal: true, Status: &st}, nil
		}
		return Frame{Terminal: true}, nil
	}
	for _, k := range []string{"message", "expires_in_seconds", "opened", "devapp_fetched", "pre_signed", "dispatched", "keepalive"} {
		if _, ok := fields[k]; ok {
			return Frame{}, nil
		}
	}
	return Frame{}, ErrUnrecognizedPayload
}

// webhookBody is a webhook callback. A full status body (meta/response) is
// also accepted.
type webhookBody struct {
	Meta struct {
		PayloadUUID string `json:"payload_uuidv4"`
		UUID        string `json:"uuid"`
	} `json:"meta"`
	PayloadResponse *struct {
		PayloadUUID string `json:"payload_uuidv4"`
		Signed      bool   `json:"signed"`
	} `json:"payloadResponse"`
}

// Webhook is a decoded callback. Status is nil when the callback only
// announces that the payload resolved.
type Webhook struct {
	PayloadID string
	Status    *Status
}

// DecodeWebhook decodes a webhook callback body.
func DecodeWebhook(body []byte) (Webhook, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	id := b.Meta.PayloadUUID
	if id == "" {
		id = b.Meta.UUID
	}
	if b.PayloadResponse != nil && b.PayloadResponse.PayloadUUID != "" {
		id = b.PayloadResponse.PayloadUUID
	}
	if id == "" {
		return Webhook{}, fmt.Errorf("%w: no payload id", ErrUnrecognizedPayload)
	}
	if b.PayloadResponse != nil && !b.PayloadResponse.Signed {
		st := Cancelled()
		return Webhook{PayloadID: id, Status: &st}, nil
	}
	if st, err := DecodeStatus(body); err == nil && st.Terminal() {
		return Webhook{PayloadID: id, Status: &st}, nil
	}
	return Webhook{PayloadID: id}, nil
}
