package source

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"contactsync/internal/domain/identity"
)

// Transformer maps a provider record into a warehouse row.
type Transformer interface {
	Transform(rec ProviderRecord) (Transformed, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(rec ProviderRecord) (Transformed, error)

// Transform implements Transformer.
func (f TransformFunc) Transform(rec ProviderRecord) (Transformed, error) { return f(rec) }

// TransformError reports a record that could not be mapped.
type TransformError struct {
	SourceID string
	Reason   string
	Err      error
}

func (e *TransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transform %q: %s: %v", e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("transform %q: %s", e.SourceID, e.Reason)
}

func (e *TransformError) Unwrap() error { return e.Err }

// DefaultTransformers returns the built-in transformer for every provider.
func DefaultTransformers() map[Type]Transformer {
	return map[Type]Transformer{
		TypeMailbox:   TransformFunc(transformMailbox),
		TypeCRM:       TransformFunc(transformCRM),
		TypeTelephony: TransformFunc(transformTelephony),
		TypeSequence:  TransformFunc(transformSequence),
	}
}

type mailboxMessage struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc"`
	Bcc       []string  `json:"bcc"`
	SentAt    time.Time `json:"sent_at"`
}

type crmObject struct {
	ID         string    `json:"id"`
	ObjectType string    `json:"object_type"`
	Emails     []string  `json:"emails"`
	Phones     []string  `json:"phones"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type telephonyCall struct {
	CallID          string    `json:"call_id"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	Direction       string    `json:"direction"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

type sequenceStep struct {
	StepID         string    `json:"step_id"`
	SequenceID     string    `json:"sequence_id"`
	RecipientEmail string    `json:"recipient_email"`
	RecipientPhone string    `json:"recipient_phone"`
	SentAt         time.Time `json:"sent_at"`
}

func decode[T any](rec ProviderRecord) (T, error) {
	var v T
	if len(rec.Payload) == 0 {
		return v, &TransformError{SourceID: rec.ID, Reason: "empty payload"}
	}
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return v, &TransformError{SourceID: rec.ID, Reason: "malformed payload", Err: err}
	}
	return v, nil
}

func newTransformed(t Type, rec ProviderRecord, id, defaultKind string, at time.Time) (Transformed, error) {
	if id == "" {
		id = rec.ID
	}
	if id == "" {
		return Transformed{}, &TransformError{Reason: "missing record id"}
	}
	if at.IsZero() {
		return Transformed{}, &TransformError{SourceID: id, Reason: "missing timestamp"}
	}
	kind := rec.Kind
	if kind == "" {
		kind = defaultKind
	}
	return Transformed{Record: Record{
		SourceType: t,
		SourceID:   id,
		RecordType: kind,
		OccurredAt: at.UTC(),
		Payload:    rec.Payload,
	}}, nil
}

func (t *Transformed) add(kind identity.Kind, role string, values ...string) {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t.Identifiers = append(t.Identifiers, RawIdentifier{Kind: kind, Value: v, Role: role})
	}
}

func transformMailbox(rec ProviderRecord) (Transformed, error) {
	m, err := decode[mailboxMessage](rec)
	if err != nil {
		return Transformed{}, err
	}
	out, err := newTransformed(TypeMailbox, rec, m.MessageID, "message", m.SentAt)
	if err != nil {
		return Transformed{}, err
	}
	out.add(identity.KindEmail, "from", addresses(m.From)...)
	out.add(identity.KindEmail, "to", addresses(m.To...)...)
	out.add(identity.KindEmail, "cc", addresses(m.Cc...)...)
	out.add(identity.KindEmail, "bcc", addresses(m.Bcc...)...)
	return out, nil
}

func transformCRM(rec ProviderRecord) (Transformed, error) {
	o, err := decode[crmObject](rec)
	if err != nil {
		return Transformed{}, err
	}
	out, err := newTransformed(TypeCRM, rec, o.ID, "contact", o.UpdatedAt)
	if err != nil {
		return Transformed{}, err
	}
	if o.ObjectType != "" && rec.Kind == "" {
		out.Record.RecordType = o.ObjectType
	}
	out.add(identity.KindEmail, "email", o.Emails...)
	out.add(identity.KindPhone, "phone", o.Phones...)
	return out, nil
}

func transformTelephony(rec ProviderRecord) (Transformed, error) {
	c, err := decode[telephonyCall](rec)
	if err != nil {
		return Transformed{}, err
	}
	out, err := newTransformed(TypeTelephony, rec, c.CallID, "call", c.StartedAt)
	if err != nil {
		return Transformed{}, err
	}
	out.add(identity.KindPhone, "from", c.FromNumber)
	out.add(identity.KindPhone, "to", c.ToNumber)
	return out, nil
}

func transformSequence(rec ProviderRecord) (Transformed, error) {
	s, err := decode[sequenceStep](rec)
	if err != nil {
		return Transformed{}, err
	}
	out, err := newTransformed(TypeSequence, rec, s.StepID, "step", s.SentAt)
	if err != nil {
		return Transformed{}, err
	}
	out.add(identity.KindEmail, "recipient", s.RecipientEmail)
	out.add(identity.KindPhone, "recipient", s.RecipientPhone)
	return out, nil
}

// addresses extracts bare addresses from header values such as
// "Jane <jane@acme.com>". Unparseable values are passed through so the
// normalizer can reject them individually.
func addresses(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		list, err := mail.ParseAddressList(v)
		if err != nil {
			out = append(out, v)
			continue
		}
		for _, a := range list {
			out = append(out, a.Address)
		}
	}
	return out
}
