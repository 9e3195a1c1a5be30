// Package protocol encodes and decodes the JSON arrays exchanged with relays.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Message labels.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
)

// Envelope is one relay message. The set of implementations is closed.
type Envelope interface {
	Label() string
	envelope()
}

// Inbound

type EventEnvelope struct {
	SubscriptionID string
	Event          *nostr.Event
}

type EOSEEnvelope struct {
	SubscriptionID string
}

type OKEnvelope struct {
	EventID string
	OK      bool
	Reason  string
}

type ClosedEnvelope struct {
	SubscriptionID string
	Reason         string
}

type NoticeEnvelope struct {
	Message string
}

type AuthEnvelope struct {
	Challenge string
}

// Outbound

type ReqEnvelope struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

type CloseEnvelope struct {
	SubscriptionID string
}

// PublishEnvelope is a client EVENT, which carries no subscription id.
type PublishEnvelope struct {
	Event *nostr.Event
}

func (EventEnvelope) Label() string   { return LabelEvent }
func (EOSEEnvelope) Label() string    { return LabelEOSE }
func (OKEnvelope) Label() string      { return LabelOK }
func (ClosedEnvelope) Label() string  { return LabelClosed }
func (NoticeEnvelope) Label() string  { return LabelNotice }
func (AuthEnvelope) Label() string    { return LabelAuth }
func (ReqEnvelope) Label() string     { return LabelReq }
func (CloseEnvelope) Label() string   { return LabelClose }
func (PublishEnvelope) Label() string { return LabelEvent }

func (EventEnvelope) envelope()   {}
func (EOSEEnvelope) envelope()    {}
func (OKEnvelope) envelope()      {}
func (ClosedEnvelope) envelope()  {}
func (NoticeEnvelope) envelope()  {}
func (AuthEnvelope) envelope()    {}
func (ReqEnvelope) envelope()     {}
func (CloseEnvelope) envelope()   {}
func (PublishEnvelope) envelope() {}

// Parse decodes one inbound frame. Errors carry errors.CodeMalformed.
func Parse(raw []byte) (Envelope, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, errors.MalformedMessageError("not a JSON array", err)
	}
	if len(arr) == 0 {
		return nil, errors.MalformedMessageError("empty array", nil)
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, errors.MalformedMessageError("label is not a string", err)
	}

	switch label {
	case LabelEvent:
		if len(arr) < 3 {
			return nil, malformed(label, "want subscription id and event")
		}
		var env EventEnvelope
		if err := str(arr[1], &env.SubscriptionID); err != nil {
			return nil, err
		}
		env.Event = &nostr.Event{}
		if err := json.Unmarshal(arr[2], env.Event); err != nil {
			return nil, errors.MalformedMessageError("bad event", err)
		}
		return env, nil

	case LabelEOSE:
		if len(arr) < 2 {
			return nil, malformed(label, "want subscription id")
		}
		var env EOSEEnvelope
		if err := str(arr[1], &env.SubscriptionID); err != nil {
			return nil, err
		}
		return env, nil

	case LabelOK:
		if len(arr) < 3 {
			return nil, malformed(label, "want event id and status")
		}
		var env OKEnvelope
		if err := str(arr[1], &env.EventID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(arr[2], &env.OK); err != nil {
			return nil, errors.MalformedMessageError("OK status is not a boolean", err)
		}
		if len(arr) > 3 {
			if err := str(arr[3], &env.Reason); err != nil {
				return nil, err
			}
		}
		return env, nil

	case LabelClosed:
		if len(arr) < 2 {
			return nil, malformed(label, "want subscription id")
		}
		var env ClosedEnvelope
		if err := str(arr[1], &env.SubscriptionID); err != nil {
			return nil, err
		}
		if len(arr) > 2 {
			if err := str(arr[2], &env.Reason); err != nil {
				return nil, err
			}
		}
		return env, nil

	case LabelNotice:
		if len(arr) < 2 {
			return nil, malformed(label, "want message")
		}
		var env NoticeEnvelope
		if err := str(arr[1], &env.Message); err != nil {
			return nil, err
		}
		return env, nil

	case LabelAuth:
		if len(arr) < 2 {
			return nil, malformed(label, "want challenge")
		}
		var env AuthEnvelope
		if err := str(arr[1], &env.Challenge); err != nil {
			return nil, err
		}
		return env, nil

	default:
		return nil, errors.MalformedMessageError(fmt.Sprintf("unknown label %q", label), nil)
	}
}

// Encode renders an outbound envelope as a JSON array.
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case ReqEnvelope:
		arr := make([]any, 0, 2+len(e.Filters))
		arr = append(arr, LabelReq, e.SubscriptionID)
		for _, f := range e.Filters {
			arr = append(arr, f)
		}
		return json.Marshal(arr)
	case CloseEnvelope:
		return json.Marshal([]any{LabelClose, e.SubscriptionID})
	case PublishEnvelope:
		if e.Event == nil {
			return nil, fmt.Errorf("publish envelope without event")
		}
		return json.Marshal([]any{LabelEvent, e.Event})
	default:
		return nil, fmt.Errorf("%s is not an outbound message", env.Label())
	}
}

// IsAuthRequired reports whether an OK or CLOSED reason asks for NIP-42 auth.
func IsAuthRequired(reason string) bool {
	return strings.HasPrefix(reason, constants.PrefixAuthRequired)
}

// ValidateEvent checks that evt's id matches its content and, when
// checkSig is set, that the signature is valid for its pubkey.
func ValidateEvent(evt *nostr.Event, checkSig bool) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if evt.GetID() != evt.ID {
		return fmt.Errorf("event id does not match content")
	}
	if !checkSig {
		return nil
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func str(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.MalformedMessageError("expected string field", err)
	}
	return nil
}

func malformed(label, reason string) error {
	return errors.MalformedMessageError(fmt.Sprintf("%s: %s", label, reason), nil)
}
