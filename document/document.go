// Package document defines the envelope conventions every document this
// system writes to the store shares: the type tag, the RFC 3339
// timestamp format, and the payload telemetry receiver sub-record shape.
// Document bodies themselves are plain maps rather than fixed structs,
// since a listener's telemetry/information payload is caller-defined and
// arbitrary beyond its envelope fields.
package document

import "time"

// Document type tags, stamped into every persisted document's "type"
// field.
const (
	TypeListenerTelemetry   = "listener_telemetry"
	TypeListenerInformation = "listener_information"
	TypePayloadTelemetry    = "payload_telemetry"
)

// TimestampLayout is the RFC 3339 form, second precision, with the local
// UTC offset retained rather than normalized to "Z".
const TimestampLayout = "2006-01-02T15:04:05-07:00"

// Now formats t per TimestampLayout.
func Now(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Envelope builds a listener_telemetry or listener_information document:
// a shallow copy of data with the envelope fields layered on top. data
// may be nil.
func Envelope(docType, callsign string, data map[string]interface{}, timeCreated, timeUploaded string) map[string]interface{} {
	doc := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		doc[k] = v
	}
	doc["type"] = docType
	doc["callsign"] = callsign
	doc["time_created"] = timeCreated
	doc["time_uploaded"] = timeUploaded
	return doc
}

// ReceiverEntry builds one receiver's sub-record inside a payload
// telemetry document's "receivers" map.
func ReceiverEntry(timeCreated, timeUploaded string, latestListenerTelemetry, latestListenerInformation string, metadata map[string]interface{}) map[string]interface{} {
	entry := make(map[string]interface{}, len(metadata)+4)
	for k, v := range metadata {
		entry[k] = v
	}
	entry["time_created"] = timeCreated
	entry["time_uploaded"] = timeUploaded
	if latestListenerTelemetry != "" {
		entry["latest_listener_telemetry"] = latestListenerTelemetry
	}
	if latestListenerInformation != "" {
		entry["latest_listener_information"] = latestListenerInformation
	}
	return entry
}

// PayloadTelemetryUpdate is the body sent to the add_listener update
// handler: the raw sentence (base64) and this receiver's entry, keyed so
// the handler can merge it into receivers.<callsign> without disturbing
// any other receiver's entry.
type PayloadTelemetryUpdate struct {
	Type     string                 `json:"type"`
	Data     map[string]interface{} `json:"data"`
	Receiver string                 `json:"receiver"`
	Entry    map[string]interface{} `json:"entry"`
}
