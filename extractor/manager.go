package extractor

import "sync"

// PayloadTelemetryUploader is the one method Manager needs from an
// uploader. Extractor and Manager never import the uploader package
// directly; whatever satisfies this interface structurally is handed in
// at construction time instead, so this package stays free of any
// upload/document-store dependency.
type PayloadTelemetryUploader interface {
	PayloadTelemetry(raw []byte, metadata map[string]interface{}) error
}

// Manager multiplexes a single receiver's byte stream to every extractor
// registered with it (spec §4.3: "zero or more registered extractors"),
// and forwards the sentences those extractors produce to the configured
// uploader. A receiver normally registers exactly one UKHASExtractor, but
// nothing here assumes that — a future non-UKHAS framing could run
// alongside it against the same bytes.
//
// Extractors never hold a reference to the uploader directly, and never
// hold a mutable pointer back to the Manager either: the back-pointer
// spec §9 describes is the set of closures Add builds at registration
// time, captured once and never reassigned, so there is nothing for a
// destroyed Manager to leave dangling beyond those closures simply going
// unused.
type Manager struct {
	mu         sync.Mutex
	uploader   PayloadTelemetryUploader
	extractors []*UKHASExtractor
	onStatus   func(status string)
	onData     func(fields map[string]interface{})
}

// NewManager constructs a Manager with no extractors registered yet,
// forwarding every sentence its future extractors produce to uploader.
func NewManager(uploader PayloadTelemetryUploader) *Manager {
	return &Manager{uploader: uploader}
}

// OnStatus installs the callback invoked with every status string a
// registered extractor reports ("start delim", "extracted", "parse
// failed", "giving up").
func (m *Manager) OnStatus(f func(status string)) {
	m.mu.Lock()
	m.onStatus = f
	m.mu.Unlock()
}

// OnData installs the callback invoked with the best-effort parsed
// fields (or just "_sentence" on parse failure) of every extracted
// sentence.
func (m *Manager) OnData(f func(fields map[string]interface{})) {
	m.mu.Lock()
	m.onData = f
	m.mu.Unlock()
}

// Add registers a new UKHASExtractor, bounded by cfg, wired to report
// back through this Manager, and returns it so the caller can drive it
// directly with Push/Skip — though ordinarily the caller drives the
// Manager instead, which fans out to every registered extractor at once.
// Add always builds a fresh extractor; there is no way to register an
// existing one, so an extractor can never end up pointing at two
// managers.
func (m *Manager) Add(cfg UKHASConfig) *UKHASExtractor {
	e := NewUKHASExtractor(cfg, Callbacks{
		PayloadTelemetry: m.payloadTelemetry,
		Status:           m.status,
		Data:             m.data,
	})
	m.mu.Lock()
	m.extractors = append(m.extractors, e)
	m.mu.Unlock()
	return e
}

// Push forwards data to every registered extractor. opts carries
// forward-compatible flags; unrecognized keys are ignored (see
// UKHASExtractor.Push).
func (m *Manager) Push(data []byte, opts map[string]interface{}) {
	for _, e := range m.snapshot() {
		e.Push(data, opts)
	}
}

// Skip forwards a count of undecodable bytes to every registered
// extractor.
func (m *Manager) Skip(n int, opts map[string]interface{}) {
	for _, e := range m.snapshot() {
		e.Skip(n, opts)
	}
}

func (m *Manager) snapshot() []*UKHASExtractor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*UKHASExtractor(nil), m.extractors...)
}

func (m *Manager) status(msg string) {
	m.mu.Lock()
	f := m.onStatus
	m.mu.Unlock()
	if f != nil {
		f(msg)
	}
}

func (m *Manager) data(fields map[string]interface{}) {
	m.mu.Lock()
	f := m.onData
	m.mu.Unlock()
	if f != nil {
		f(fields)
	}
}

func (m *Manager) payloadTelemetry(raw []byte) {
	m.mu.Lock()
	up := m.uploader
	m.mu.Unlock()
	if up == nil {
		return
	}
	_ = up.PayloadTelemetry(raw, nil)
}
