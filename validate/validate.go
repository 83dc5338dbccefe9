// Package validate checks that documents bound for the store meet the
// shape each document type requires, and implements the add_listener
// merge the store's update handler performs: folding one receiver's
// entry into a payload telemetry document's receivers map without
// disturbing any other receiver's entry. Real enforcement of both lives
// server-side (spec §4.6) — this package exists so the client can reject
// an obviously malformed document before spending a round trip, and so
// tests can stand in for the server's handler.
package validate

import (
	"encoding/base64"
	"fmt"
)

// Error reports which field of which document kind failed validation.
type Error struct {
	Kind  string
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate: %s: field %q: %s", e.Kind, e.Field, e.Msg)
}

func requireString(kind, field string, doc map[string]interface{}) (string, error) {
	v, ok := doc[field]
	if !ok {
		return "", &Error{Kind: kind, Field: field, Msg: "missing"}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &Error{Kind: kind, Field: field, Msg: "must be a non-empty string"}
	}
	return s, nil
}

// ListenerTelemetry checks the envelope fields a listener_telemetry
// document requires (type, callsign, time_created, time_uploaded). The
// location fields are not checked: latitude and longitude may be
// missing or out of range and the document still passes.
func ListenerTelemetry(doc map[string]interface{}) error {
	return listenerEnvelope("listener_telemetry", doc)
}

// ListenerInformation checks the envelope a listener_information
// document requires. The metadata body itself is free-form.
func ListenerInformation(doc map[string]interface{}) error {
	return listenerEnvelope("listener_information", doc)
}

func listenerEnvelope(kind string, doc map[string]interface{}) error {
	typ, err := requireString(kind, "type", doc)
	if err != nil {
		return err
	}
	if typ != kind {
		return &Error{Kind: kind, Field: "type", Msg: fmt.Sprintf("must be %q", kind)}
	}
	if _, err := requireString(kind, "callsign", doc); err != nil {
		return err
	}
	if _, err := requireString(kind, "time_created", doc); err != nil {
		return err
	}
	if _, err := requireString(kind, "time_uploaded", doc); err != nil {
		return err
	}
	return nil
}

// PayloadTelemetry checks that doc has a base64 data._raw and at least
// one well-formed receiver entry.
func PayloadTelemetry(doc map[string]interface{}) error {
	const kind = "payload_telemetry"
	typ, err := requireString(kind, "type", doc)
	if err != nil {
		return err
	}
	if typ != kind {
		return &Error{Kind: kind, Field: "type", Msg: "must be \"payload_telemetry\""}
	}

	data, ok := doc["data"].(map[string]interface{})
	if !ok {
		return &Error{Kind: kind, Field: "data", Msg: "missing or not an object"}
	}
	raw, ok := data["_raw"].(string)
	if !ok || raw == "" {
		return &Error{Kind: kind, Field: "data._raw", Msg: "must be a non-empty string"}
	}
	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return &Error{Kind: kind, Field: "data._raw", Msg: "must be valid base64"}
	}

	receivers, ok := doc["receivers"].(map[string]interface{})
	if !ok || len(receivers) == 0 {
		return &Error{Kind: kind, Field: "receivers", Msg: "must be a non-empty object"}
	}
	for callsign, v := range receivers {
		entry, ok := v.(map[string]interface{})
		if !ok {
			return &Error{Kind: kind, Field: "receivers." + callsign, Msg: "must be an object"}
		}
		if _, err := requireString(kind, "time_created", entry); err != nil {
			return &Error{Kind: kind, Field: "receivers." + callsign + ".time_created", Msg: err.(*Error).Msg}
		}
		if _, err := requireString(kind, "time_uploaded", entry); err != nil {
			return &Error{Kind: kind, Field: "receivers." + callsign + ".time_uploaded", Msg: err.(*Error).Msg}
		}
	}
	return nil
}

// AddListener folds entry into existing's receivers map under callsign,
// leaving every other receiver's entry untouched, and sets data._raw if
// the document didn't already exist. It returns the updated document.
func AddListener(existing map[string]interface{}, rawBase64 string, callsign string, entry map[string]interface{}) map[string]interface{} {
	if existing == nil {
		existing = make(map[string]interface{})
	}
	if existing["type"] == nil {
		existing["type"] = "payload_telemetry"
	}
	data, _ := existing["data"].(map[string]interface{})
	if data == nil {
		data = make(map[string]interface{})
	}
	if data["_raw"] == nil {
		data["_raw"] = rawBase64
	}
	existing["data"] = data

	receivers, _ := existing["receivers"].(map[string]interface{})
	if receivers == nil {
		receivers = make(map[string]interface{})
	}
	receivers[callsign] = entry
	existing["receivers"] = receivers
	return existing
}
