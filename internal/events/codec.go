package events

import (
	"fmt"
	"time"

	"github.com/jhump/protoreflect/dynamic"

	"github.com/asotonet/isp-billing/internal/model"
)

func Marshal(m *dynamic.Message) ([]byte, error) {
	return m.Marshal()
}

func UnmarshalEnvelope(schema *Schema, b []byte) (*dynamic.Message, error) {
	if schema == nil || schema.Envelope == nil {
		return nil, fmt.Errorf("schema not loaded")
	}
	m := dynamic.NewMessage(schema.Envelope)
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeRouterEvent wraps e in an envelope addressed to subject.
func EncodeRouterEvent(schema *Schema, subject string, e model.RouterEvent) ([]byte, error) {
	inner := dynamic.NewMessage(schema.RouterEvent)
	inner.SetFieldByName("id", e.ID)
	inner.SetFieldByName("router_id", e.RouterID)
	inner.SetFieldByName("router_name", e.RouterName)
	inner.SetFieldByName("event_type", string(e.Type))
	inner.SetFieldByName("description", e.Description)
	inner.SetFieldByName("created_at_unix_ms", e.CreatedAt.UnixMilli())
	for k, v := range e.Metadata {
		if err := inner.TryPutMapFieldByName("metadata", k, v); err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
	}

	env := schema.NewEnvelope(subject)
	env.SetFieldByName("router_id", e.RouterID)
	env.SetFieldByName("router_event", inner)
	return Marshal(env)
}

// DecodeRouterEvent is the inverse of EncodeRouterEvent. It also returns the
// envelope subject.
func DecodeRouterEvent(schema *Schema, b []byte) (model.RouterEvent, string, error) {
	env, err := UnmarshalEnvelope(schema, b)
	if err != nil {
		return model.RouterEvent{}, "", err
	}
	subject, _ := env.GetFieldByName("subject").(string)
	inner, ok := env.GetFieldByName("router_event").(*dynamic.Message)
	if !ok || inner == nil {
		return model.RouterEvent{}, subject, fmt.Errorf("envelope %s carries no router event", subject)
	}
	str := func(name string) string {
		s, _ := inner.GetFieldByName(name).(string)
		return s
	}
	ms, _ := inner.GetFieldByName("created_at_unix_ms").(int64)
	e := model.RouterEvent{
		ID:          str("id"),
		RouterID:    str("router_id"),
		RouterName:  str("router_name"),
		Type:        model.EventType(str("event_type")),
		Description: str("description"),
		CreatedAt:   time.UnixMilli(ms).UTC(),
	}
	inner.ForEachMapFieldEntryByName("metadata", func(k, v any) bool {
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		ks, _ := k.(string)
		vs, _ := v.(string)
		e.Metadata[ks] = vs
		return true
	})
	return e, subject, nil
}
