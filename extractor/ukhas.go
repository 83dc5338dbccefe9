// Package extractor implements the byte-stream frame extraction described
// in the system's radio-to-payload path: a small state machine watches a
// raw byte stream for UKHAS-style "$$...CALLSIGN,field,field...*CHECKSUM\n"
// sentences and emits each complete sentence exactly once, tolerating a
// bounded amount of line noise before giving up and resynchronizing.
package extractor

import (
	"bytes"
	"fmt"
	"strings"
)

// state is the extractor's position in the sentence lifecycle.
type state int

const (
	// stateOut covers both IDLE and SAW_ONE_DOLLAR: pendingDollar
	// distinguishes the two without a dedicated state value, since the
	// only thing SAW_ONE_DOLLAR remembers is "the previous byte was a
	// single, as yet unconfirmed, '$'".
	stateOut state = iota
	stateInSentence
	stateGivingUp
)

// UKHASConfig bounds how much noise a single sentence attempt tolerates
// before the extractor gives up and waits for the next newline to
// resynchronize. Zero values resolve to the package defaults (1024
// bytes, 16 skipped, 16 garbage).
type UKHASConfig struct {
	// MaxSentenceLength is the longest a sentence (including the leading
	// '$' characters) may grow before it is abandoned.
	MaxSentenceLength int
	// MaxSkippedBytes is how many bytes reported via Skip are tolerated
	// within one sentence before it is abandoned.
	MaxSkippedBytes int
	// MaxGarbageBytes is how many non-printable bytes received via Push
	// are tolerated within one sentence before it is abandoned.
	MaxGarbageBytes int
}

const (
	defaultMaxSentenceLength = 1024
	defaultMaxSkippedBytes   = 16
	defaultMaxGarbageBytes   = 16
)

func (c UKHASConfig) normalize() UKHASConfig {
	if c.MaxSentenceLength == 0 {
		c.MaxSentenceLength = defaultMaxSentenceLength
	}
	if c.MaxSkippedBytes == 0 {
		c.MaxSkippedBytes = defaultMaxSkippedBytes
	}
	if c.MaxGarbageBytes == 0 {
		c.MaxGarbageBytes = defaultMaxGarbageBytes
	}
	return c
}

func isPrintable(b byte) bool {
	if b >= 0x20 && b <= 0x7e {
		return true
	}
	switch b {
	case '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

// Callbacks receives the events a UKHASExtractor produces, mirroring the
// manager/uploader calls spec §4.2/§4.3 describe: PayloadTelemetry is the
// upload trigger, Status carries the verbatim status strings ("start
// delim", "extracted", "parse failed", "giving up"), and Data carries the
// best-effort parsed UKHAS fields (or just "_sentence" on parse failure).
// Any field may be left nil.
type Callbacks struct {
	PayloadTelemetry func(raw []byte)
	Status           func(status string)
	Data             func(fields map[string]interface{})
}

// UKHASExtractor is a single sentence-at-a-time byte pusher. It holds no
// reference to an uploader or manager type; callers receive every event
// exclusively through Callbacks, keeping this package free of any
// dependency on how a sentence is eventually used.
type UKHASExtractor struct {
	cfg   UKHASConfig
	cb    Callbacks
	state state
	buf   bytes.Buffer

	pendingDollar bool
	skippedBytes  int
	garbageBytes  int
}

// NewUKHASExtractor constructs an extractor with the given bounds and
// callbacks. A zero UKHASConfig uses the package defaults.
func NewUKHASExtractor(cfg UKHASConfig, cb Callbacks) *UKHASExtractor {
	return &UKHASExtractor{cfg: cfg.normalize(), cb: cb, state: stateOut}
}

// Push feeds newly received bytes through the state machine. opts carries
// forward-compatible flags a future caller might set (spec §9 gives
// "baudot_hack" as an example); this extractor recognizes none today and
// silently ignores every key, rather than rejecting an unrecognized one.
func (e *UKHASExtractor) Push(data []byte, opts map[string]interface{}) {
	for _, b := range data {
		e.pushByte(b)
	}
}

// Skip reports that n bytes of the stream were known to be undecodable
// (e.g. a demodulator dropout) without supplying their content. Outside
// stateInSentence this has no effect, matching Push's own behavior before
// a sentence has started.
func (e *UKHASExtractor) Skip(n int, opts map[string]interface{}) {
	if n <= 0 || e.state != stateInSentence {
		return
	}
	for i := 0; i < n; i++ {
		e.buf.WriteByte(0)
	}
	e.skippedBytes += n
	e.afterAppend()
}

func (e *UKHASExtractor) pushByte(b byte) {
	switch e.state {
	case stateOut:
		if b == '$' {
			if e.pendingDollar {
				e.pendingDollar = false
				e.startSentence()
				return
			}
			e.pendingDollar = true
			return
		}
		e.pendingDollar = false
	case stateInSentence:
		if b == '\n' {
			e.emit()
			return
		}
		// A non-printable byte is still appended verbatim: spec §4.2
		// only requires it to count against the garbage budget, unlike
		// Skip's NUL placeholders, which stand in for bytes the
		// demodulator never decoded at all and so have no real byte to
		// preserve.
		e.buf.WriteByte(b)
		if !isPrintable(b) {
			e.garbageBytes++
		}
		e.afterAppend()
	case stateGivingUp:
		if b == '\n' {
			e.state = stateOut
			e.pendingDollar = false
		}
	}
}

// afterAppend runs after every byte appended to buf while in
// stateInSentence: it detects a restart (two consecutive '$' bytes,
// possibly straddling separate Push calls) and enforces the
// length/garbage/skip bounds.
func (e *UKHASExtractor) afterAppend() {
	if tail := e.buf.Bytes(); len(tail) >= 2 {
		n := len(tail)
		if tail[n-1] == '$' && tail[n-2] == '$' {
			e.restart()
			return
		}
	}
	if e.buf.Len() >= e.cfg.MaxSentenceLength ||
		e.garbageBytes > e.cfg.MaxGarbageBytes ||
		e.skippedBytes > e.cfg.MaxSkippedBytes {
		e.giveUp()
	}
}

// startSentence handles the second of two consecutive '$' bytes seen
// from stateOut: the buffered sentence begins with both dollars.
func (e *UKHASExtractor) startSentence() {
	e.buf.Reset()
	e.buf.WriteByte('$')
	e.buf.WriteByte('$')
	e.garbageBytes = 0
	e.skippedBytes = 0
	e.state = stateInSentence
	e.emitStatus("start delim")
}

// restart handles a second "$$" seen while already inside a sentence:
// everything buffered before it is discarded, keeping only the fresh
// "$$", and a new "start delim" is emitted as if starting clean.
func (e *UKHASExtractor) restart() {
	e.buf.Reset()
	e.buf.WriteByte('$')
	e.buf.WriteByte('$')
	e.garbageBytes = 0
	e.skippedBytes = 0
	e.emitStatus("start delim")
}

func (e *UKHASExtractor) emit() {
	e.buf.WriteByte('\n')
	raw := append([]byte(nil), e.buf.Bytes()...)
	e.resetToOut()

	if e.cb.PayloadTelemetry != nil {
		e.cb.PayloadTelemetry(raw)
	}
	e.emitStatus("extracted")

	if fields, ok := parseUKHASBody(raw); ok {
		fields["_sentence"] = string(raw)
		e.emitData(fields)
	} else {
		e.emitStatus("parse failed")
		e.emitData(map[string]interface{}{"_sentence": string(raw)})
	}
}

func (e *UKHASExtractor) giveUp() {
	e.emitStatus("giving up")
	e.buf.Reset()
	e.garbageBytes = 0
	e.skippedBytes = 0
	e.state = stateGivingUp
}

func (e *UKHASExtractor) resetToOut() {
	e.buf.Reset()
	e.garbageBytes = 0
	e.skippedBytes = 0
	e.pendingDollar = false
	e.state = stateOut
}

func (e *UKHASExtractor) emitStatus(status string) {
	if e.cb.Status != nil {
		e.cb.Status(status)
	}
}

func (e *UKHASExtractor) emitData(fields map[string]interface{}) {
	if e.cb.Data != nil {
		e.cb.Data(fields)
	}
}

// parseUKHASBody attempts a structural, best-effort parse of a
// "$$CALLSIGN,field,field,...*CHECKSUM" sentence. It checks shape only —
// a non-empty callsign, at least one field, and a non-empty checksum
// after the last '*' — not field-level typing, which belongs to a
// payload's own registered sensor configuration (package sensors),
// applied downstream of extraction rather than during it.
func parseUKHASBody(sentence []byte) (map[string]interface{}, bool) {
	s := strings.TrimSuffix(string(sentence), "\n")
	if !strings.HasPrefix(s, "$$") {
		return nil, false
	}
	body := s[2:]
	star := strings.LastIndexByte(body, '*')
	if star <= 0 || star == len(body)-1 {
		return nil, false
	}
	checksum := body[star+1:]
	parts := strings.Split(body[:star], ",")
	if len(parts) < 2 || parts[0] == "" {
		return nil, false
	}
	fields := map[string]interface{}{
		"callsign": parts[0],
		"checksum": checksum,
	}
	for i, f := range parts[1:] {
		fields[fmt.Sprintf("field_%d", i+1)] = f
	}
	return fields, true
}
