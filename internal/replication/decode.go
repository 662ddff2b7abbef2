// Package replication streams the tenant database's logical replication
// feed and republishes committed message rows as broadcast frames. The
// stream is the write path for database-originated broadcasts: clients
// insert into realtime.messages, the ingester fans the rows out.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/floodgate-io/floodgate/internal/pubsub"
)

// ErrMalformedMessage marks rows that cannot be broadcast: null event,
// wrong extension, or an unreadable payload.
var ErrMalformedMessage = errors.New("malformed_message")

// errForeignRelation marks inserts on tables other than the message table.
// The publication should never carry them, but a misconfigured tenant
// publication must not kill the stream.
var errForeignRelation = errors.New("insert on a foreign relation")

const (
	messagesNamespace = "realtime"
	messagesTable     = "messages"
)

// insertedAtLayout is how pgoutput renders timestamp without time zone.
const insertedAtLayout = "2006-01-02 15:04:05.999999"

// MessageRow is one decoded insert on realtime.messages.
type MessageRow struct {
	ID         string
	Topic      string
	Private    bool
	Event      *string
	Extension  string
	Payload    map[string]any
	InsertedAt time.Time
}

// Broadcast renders the row as its wire envelope. The row id is injected
// into the inner payload only when the producer did not supply one, so a
// user-chosen id is never overwritten.
func (r MessageRow) Broadcast() *pubsub.Broadcast {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["id"]; !ok {
		payload["id"] = r.ID
	}

	event := ""
	if r.Event != nil {
		event = *r.Event
	}
	return &pubsub.Broadcast{
		Event: pubsub.EventBroadcast,
		Topic: r.Topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
	}
}

// decoder tracks pgoutput relation metadata and turns insert tuples into
// message rows.
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
}

func newDecoder() *decoder {
	return &decoder{relations: make(map[uint32]*pglogrepl.RelationMessage)}
}

// HandleRelation records relation metadata. The server sends it before the
// first tuple of each relation and again whenever the schema changes.
func (d *decoder) HandleRelation(m *pglogrepl.RelationMessage) {
	d.relations[m.RelationID] = m
}

// DecodeInsert turns an insert tuple into a MessageRow. Rows that must not
// be broadcast come back as ErrMalformedMessage.
func (d *decoder) DecodeInsert(m *pglogrepl.InsertMessage) (MessageRow, error) {
	rel, ok := d.relations[m.RelationID]
	if !ok {
		return MessageRow{}, fmt.Errorf("insert for unknown relation %d", m.RelationID)
	}
	if rel.Namespace != messagesNamespace || rel.RelationName != messagesTable {
		return MessageRow{}, errForeignRelation
	}

	values := make(map[string]*string, len(rel.Columns))
	for idx, col := range rel.Columns {
		if idx >= len(m.Tuple.Columns) {
			break
		}
		tcol := m.Tuple.Columns[idx]
		switch tcol.DataType {
		case pglogrepl.TupleDataTypeText:
			v := string(tcol.Data)
			values[col.Name] = &v
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			values[col.Name] = nil
		}
	}

	return rowFromValues(values)
}

func rowFromValues(values map[string]*string) (MessageRow, error) {
	text := func(name string) string {
		if v := values[name]; v != nil {
			return *v
		}
		return ""
	}

	row := MessageRow{
		ID:        text("id"),
		Topic:     text("topic"),
		Private:   values["private"] != nil && *values["private"] == "t",
		Event:     values["event"],
		Extension: text("extension"),
	}

	if row.Event == nil {
		return MessageRow{}, fmt.Errorf("%w: null event", ErrMalformedMessage)
	}
	if row.Extension != "broadcast" {
		return MessageRow{}, fmt.Errorf("%w: extension %q", ErrMalformedMessage, row.Extension)
	}
	if row.Topic == "" {
		return MessageRow{}, fmt.Errorf("%w: empty topic", ErrMalformedMessage)
	}

	if raw := values["payload"]; raw != nil {
		if err := json.Unmarshal([]byte(*raw), &row.Payload); err != nil {
			return MessageRow{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedMessage)
		}
	}

	if raw := values["inserted_at"]; raw != nil {
		at, err := time.ParseInLocation(insertedAtLayout, *raw, time.UTC)
		if err != nil {
			return MessageRow{}, fmt.Errorf("%w: inserted_at %q", ErrMalformedMessage, *raw)
		}
		row.InsertedAt = at
	}

	return row, nil
}
