// Package uploader implements the three document-store writes a ground
// station performs — listener telemetry, listener information, and
// content-addressed payload telemetry — including the conflict-merge
// retry loop payload telemetry needs because many receivers race to
// create or update the same document, and the two read-only aggregate
// queries (flights, payload configurations).
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/ukhas/habitat/document"
	"github.com/ukhas/habitat/internal/habitatlog"
	"github.com/ukhas/habitat/internal/habitatversion"
	"github.com/ukhas/habitat/store"
)

// defaultMaxAttempts is the total number of tries (one initial attempt
// plus retries) PayloadTelemetry makes against a conflicting document
// before giving up.
const defaultMaxAttempts = 15

// Config configures an Uploader. Zero values resolve to the package
// defaults.
type Config struct {
	// MaxAttempts bounds the total number of tries (including the first)
	// PayloadTelemetry makes when it keeps hitting a revision conflict.
	MaxAttempts int
	// Clock returns the current time; overridable for deterministic
	// tests. Defaults to time.Now.
	Clock func() time.Time
	// Log receives ambient diagnostics (conflict retries, give-ups) in
	// addition to the caller-visible error return; nil discards them.
	// This is separate from any per-item hook a caller layers on top
	// (see worker.Hooks), which reacts to individual call outcomes
	// rather than narrating retries within one call.
	Log *habitatlog.Logger
}

func (c Config) normalize() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Log == nil {
		c.Log = habitatlog.NewDiscard()
	}
	return c
}

// ErrUnmergeable is returned by PayloadTelemetry when every attempt in
// the configured retry budget hit a conflict, or when a non-conflict
// error made the document unwritable. Spec §7 maps both validation
// failures and exhausted retry budgets to this single caller-visible
// kind.
type ErrUnmergeable struct {
	DocID    string
	Attempts int
	Cause    error
}

func (e *ErrUnmergeable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("uploader: %s: unmergeable: %s", e.DocID, e.Cause)
	}
	return fmt.Sprintf("uploader: %s: could not merge after %d attempts", e.DocID, e.Attempts)
}

func (e *ErrUnmergeable) Unwrap() error { return e.Cause }

// Uploader writes listener and payload documents to a store.Client for
// one callsign. It is not safe for concurrent use — callers that need
// concurrency-safe access should drive it from a single worker package
// goroutine, as spec §5 requires.
type Uploader struct {
	client   *store.Client
	callsign string
	cfg      Config

	mu                        sync.Mutex
	latestListenerTelemetry   string
	latestListenerInformation string
}

// New constructs an Uploader for callsign, writing through client.
func New(client *store.Client, callsign string, cfg Config) *Uploader {
	return &Uploader{client: client, callsign: callsign, cfg: cfg.normalize()}
}

// ListenerTelemetry saves a receiver's own telemetry snapshot (typically
// its GPS fix) as a fresh document, stamping callsign and timestamps.
// time_created defaults to now if timeCreated is nil. The resulting
// document id is remembered and attached to subsequent PayloadTelemetry
// receiver entries.
func (u *Uploader) ListenerTelemetry(ctx context.Context, data map[string]interface{}, timeCreated *time.Time) (string, error) {
	docID, err := u.saveListenerDoc(ctx, document.TypeListenerTelemetry, data, timeCreated)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	u.latestListenerTelemetry = docID
	u.mu.Unlock()
	return docID, nil
}

// ListenerInformation saves a receiver's self-described metadata
// (antenna, radio, location description) as a fresh document.
func (u *Uploader) ListenerInformation(ctx context.Context, data map[string]interface{}, timeCreated *time.Time) (string, error) {
	docID, err := u.saveListenerDoc(ctx, document.TypeListenerInformation, data, timeCreated)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	u.latestListenerInformation = docID
	u.mu.Unlock()
	return docID, nil
}

// saveListenerDoc builds a fresh listener_telemetry/listener_information
// envelope and has the store assign its id (store.Client.Create, a
// POST) rather than minting one client-side: two listener docs for the
// same callsign routinely share a wall-clock second (a GPS fix stream
// is the normal case), so any id derived from caller-visible fields
// would collide and the second write would be rejected as a conflict,
// violating spec §3's "created, written once" lifecycle.
func (u *Uploader) saveListenerDoc(ctx context.Context, docType string, data map[string]interface{}, timeCreated *time.Time) (string, error) {
	now := u.cfg.Clock()
	created := now
	if timeCreated != nil {
		created = *timeCreated
	}
	doc := document.Envelope(docType, u.callsign, data, document.Now(created), document.Now(now))
	docID, _, err := u.client.Create(ctx, doc)
	if err != nil {
		return "", err
	}
	return docID, nil
}

// PayloadDocID returns the content-addressed document id for a raw
// payload telemetry sentence: the lowercase hex SHA-256 digest of its
// bytes, so that two receivers hearing the identical sentence converge
// on the same document instead of creating duplicates.
func PayloadDocID(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// PayloadTelemetry records that this Uploader's callsign heard raw,
// with optional caller-supplied metadata merged into its receiver entry.
// It satisfies extractor.PayloadTelemetryUploader.
//
// If no document exists yet for sha256(raw), the add_listener update
// handler creates one. If a document already exists, the handler merges
// this receiver's entry into it — and, since many receivers can race to
// do this at once, a revision conflict is retried until cfg.MaxAttempts
// attempts (the first included) have been made, refreshing time_uploaded
// each attempt, before
// PayloadTelemetry gives up and returns *ErrUnmergeable. Any non-conflict
// error is wrapped in *ErrUnmergeable immediately without retrying,
// since retrying it would not change its outcome.
func (u *Uploader) PayloadTelemetry(raw []byte, metadata map[string]interface{}) error {
	_, err := u.payloadTelemetry(context.Background(), raw, metadata, nil)
	return err
}

// PayloadTelemetryWithTime is PayloadTelemetry with an explicit
// time_created, matching the full signature spec §4.4 describes.
func (u *Uploader) PayloadTelemetryWithTime(ctx context.Context, raw []byte, metadata map[string]interface{}, timeCreated *time.Time) (string, error) {
	return u.payloadTelemetry(ctx, raw, metadata, timeCreated)
}

func (u *Uploader) payloadTelemetry(ctx context.Context, raw []byte, metadata map[string]interface{}, timeCreated *time.Time) (string, error) {
	docID := PayloadDocID(raw)
	rawB64 := base64.StdEncoding.EncodeToString(raw)

	u.mu.Lock()
	latestTelem := u.latestListenerTelemetry
	latestInfo := u.latestListenerInformation
	u.mu.Unlock()

	created := u.cfg.Clock()
	if timeCreated != nil {
		created = *timeCreated
	}

	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		now := u.cfg.Clock()
		entry := document.ReceiverEntry(document.Now(created), document.Now(now), latestTelem, latestInfo, metadata)

		update := document.PayloadTelemetryUpdate{
			Type:     document.TypePayloadTelemetry,
			Data:     map[string]interface{}{"_raw": rawB64},
			Receiver: u.callsign,
			Entry:    entry,
		}

		_, err := u.client.PutUpdate(ctx, "payload_telemetry", "add_listener", docID, update)
		if err == nil {
			return docID, nil
		}

		var conflict *store.ErrConflict
		if !errors.As(err, &conflict) {
			_ = u.cfg.Log.Error("payload_telemetry failed, not retrying",
				rfc5424.SDParam{Name: "doc_id", Value: docID},
				rfc5424.SDParam{Name: "version", Value: habitatversion.String()},
				rfc5424.SDParam{Name: "err", Value: err.Error()})
			return "", &ErrUnmergeable{DocID: docID, Attempts: attempt, Cause: err}
		}
		_ = u.cfg.Log.Warn("payload_telemetry conflict, retrying",
			rfc5424.SDParam{Name: "doc_id", Value: docID},
			rfc5424.SDParam{Name: "attempt", Value: strconv.Itoa(attempt)},
			rfc5424.SDParam{Name: "max_attempts", Value: strconv.Itoa(u.cfg.MaxAttempts)})
		lastErr = err
	}

	_ = u.cfg.Log.Error("payload_telemetry unmergeable, retry budget exhausted",
		rfc5424.SDParam{Name: "doc_id", Value: docID},
		rfc5424.SDParam{Name: "attempts", Value: strconv.Itoa(u.cfg.MaxAttempts)})
	return "", &ErrUnmergeable{DocID: docID, Attempts: u.cfg.MaxAttempts, Cause: lastErr}
}

// FlightWithPayloads is one flight document with its referenced payload
// configuration documents attached, in the order the view returned them.
type FlightWithPayloads struct {
	Flight       map[string]interface{}
	PayloadDocs  []map[string]interface{}
}

// Flights queries the flight/end_start_including_payloads view starting
// at the current time, and assembles each flight document together with
// the payload documents its rows reference: the view interleaves one
// flight row (key ending in 0) followed by that flight's payload rows
// (key ending in 1), and a payload row with a null doc (deleted or
// unreadable) is skipped rather than breaking the assembly.
func (u *Uploader) Flights(ctx context.Context) ([]FlightWithPayloads, error) {
	// The view emits array keys ([..., 0|1], see isFlightRow below), so
	// startkey must itself be a JSON array ([unix_seconds]) — a bare
	// scalar collates before every array key and the "start at now"
	// bound would be silently ignored.
	startKeyJSON, err := json.Marshal([]int64{u.cfg.Clock().Unix()})
	if err != nil {
		return nil, err
	}
	rows, err := u.client.View(ctx, "flight", "end_start_including_payloads", string(startKeyJSON))
	if err != nil {
		return nil, err
	}

	var flights []FlightWithPayloads
	var current *FlightWithPayloads
	for _, row := range rows {
		if len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		if isFlightRow(row.Key) {
			var doc map[string]interface{}
			if err := json.Unmarshal(row.Doc, &doc); err != nil {
				continue
			}
			flights = append(flights, FlightWithPayloads{Flight: doc})
			current = &flights[len(flights)-1]
			continue
		}
		if current == nil {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			continue
		}
		current.PayloadDocs = append(current.PayloadDocs, doc)
	}
	return flights, nil
}

// isFlightRow reports whether a view row's key marks a flight document
// (ends in 0) rather than one of its payload documents (ends in 1), per
// the view's [..., 0|1] key convention.
func isFlightRow(key interface{}) bool {
	arr, ok := key.([]interface{})
	if !ok || len(arr) == 0 {
		return true
	}
	last := arr[len(arr)-1]
	switch v := last.(type) {
	case float64:
		return v == 0
	case string:
		return strings.TrimSpace(v) == "0"
	default:
		return true
	}
}

// Payloads returns the rows of the payload_configuration/name_time_created
// view, the set of known payload configuration documents.
func (u *Uploader) Payloads(ctx context.Context) ([]map[string]interface{}, error) {
	rows, err := u.client.View(ctx, "payload_configuration", "name_time_created", "")
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
