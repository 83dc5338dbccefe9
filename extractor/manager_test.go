package extractor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu    sync.Mutex
	raw   [][]byte
	meta  []map[string]interface{}
	err   error
}

func (u *fakeUploader) PayloadTelemetry(raw []byte, metadata map[string]interface{}) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.raw = append(u.raw, append([]byte(nil), raw...))
	u.meta = append(u.meta, metadata)
	return u.err
}

func (u *fakeUploader) sentences() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.raw...)
}

func TestManagerForwardsExtractedSentenceToUploader(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	m.Add(UKHASConfig{})

	m.Push([]byte("$$A,1*00\n"), nil)

	require.Len(t, up.sentences(), 1)
	assert.Equal(t, "$$A,1*00\n", string(up.sentences()[0]))
}

func TestManagerFansOutToEveryRegisteredExtractor(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	m.Add(UKHASConfig{})
	m.Add(UKHASConfig{})

	// Both extractors see the same byte stream; a single well-formed
	// sentence produces one upload per extractor.
	m.Push([]byte("$$A,1*00\n"), nil)

	require.Len(t, up.sentences(), 2)
}

func TestManagerOnStatusReceivesEveryExtractorsEvents(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	var statuses []string
	var mu sync.Mutex
	m.OnStatus(func(s string) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	m.Add(UKHASConfig{})

	m.Push([]byte("$$A,1*00\n"), nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, "start delim")
	assert.Contains(t, statuses, "extracted")
}

func TestManagerOnDataReceivesParsedFields(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	var fields []map[string]interface{}
	var mu sync.Mutex
	m.OnData(func(f map[string]interface{}) {
		mu.Lock()
		fields = append(fields, f)
		mu.Unlock()
	})
	m.Add(UKHASConfig{})

	m.Push([]byte("$$HAB,1,2*00\n"), nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fields, 1)
	assert.Equal(t, "HAB", fields[0]["callsign"])
}

func TestManagerSkipForwardsToEveryExtractor(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	var statuses []string
	var mu sync.Mutex
	m.OnStatus(func(s string) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	m.Add(UKHASConfig{MaxSkippedBytes: 1})

	m.Push([]byte("$$"), nil)
	m.Skip(5, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, "giving up")
}

func TestManagerForwardCompatOptsAreIgnored(t *testing.T) {
	up := &fakeUploader{}
	m := NewManager(up)
	m.Add(UKHASConfig{})

	m.Push([]byte("$$A,1*00\n"), map[string]interface{}{"baudot_hack": true})

	require.Len(t, up.sentences(), 1)
}

func TestManagerWithNoUploaderStillRunsExtractors(t *testing.T) {
	m := NewManager(nil)
	var statuses []string
	m.OnStatus(func(s string) { statuses = append(statuses, s) })
	m.Add(UKHASConfig{})

	assert.NotPanics(t, func() {
		m.Push([]byte("$$A,1*00\n"), nil)
	})
	assert.Contains(t, statuses, "extracted")
}
