// Package worker runs an Uploader on a background goroutine behind a
// FIFO command queue, so that time-critical byte reception (extractor.Push)
// is never blocked on network I/O to the document store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/crewjam/rfc5424"
	"golang.org/x/sync/errgroup"

	"github.com/ukhas/habitat/internal/habitatlog"
	"github.com/ukhas/habitat/internal/habitatversion"
	"github.com/ukhas/habitat/store"
	"github.com/ukhas/habitat/uploader"
)

// DefaultCouchURI and DefaultCouchDB are the document store address and
// database name Settings uses when the caller leaves them empty.
const (
	DefaultCouchURI = "http://habitat.habhub.org/"
	DefaultCouchDB  = "habitat"
)

// ErrUploaderNotConfigured is the error a queued command fails with when
// it runs before Settings has configured an Uploader (or after Reset has
// cleared it). The enqueueing methods themselves never return it; it is
// reported through Hooks.CaughtException, or through Join when
// AllowExceptions is set.
var ErrUploaderNotConfigured = errors.New("worker: Uploader settings were not initialised")

var errQueueFull = errors.New("worker: queue full, command dropped")

// Hooks are user-overridable callbacks the worker invokes around each
// command. All are optional.
type Hooks struct {
	// Log is called with a short description of each command as it is
	// queued, for callers that want their own progress UI. Flights and
	// Payloads queue their commands without calling it.
	Log func(message string)
	// CaughtException is called with any error a command produces
	// instead of letting it propagate, when AllowExceptions is false.
	CaughtException func(err error)
	// GotFlights is called with the result of a flights() command.
	GotFlights func(flights []uploader.FlightWithPayloads)
	// GotPayloads is called with the result of a payloads() command.
	GotPayloads func(payloads []map[string]interface{})
}

type command struct {
	run func(ctx context.Context, u *uploader.Uploader) error
}

// UploaderWorker runs a single Uploader's commands strictly in the order
// they were enqueued, on one background goroutine, so that an uploader
// talking to a document store never needs its own locking: only one
// command is ever in flight.
type UploaderWorker struct {
	// AllowExceptions, if true, lets a command's error stop the worker
	// goroutine (surfaced through Join) instead of being swallowed and
	// passed to Hooks.CaughtException.
	AllowExceptions bool
	// HTTPClient is used for every Uploader Settings constructs; nil
	// means http.DefaultClient.
	HTTPClient *http.Client
	// UploaderConfig is passed to every Uploader Settings constructs.
	UploaderConfig uploader.Config
	// Log receives ambient diagnostics (connection attempts, command
	// failures) in addition to whatever the caller's Hooks report. This
	// is separate from Hooks.Log, which narrates individual enqueued
	// commands rather than the worker's own lifecycle. Nil discards.
	Log *habitatlog.Logger

	mu       sync.Mutex
	uploader *uploader.Uploader
	hooks    Hooks
	queue    chan command
	group    *errgroup.Group
	started  bool
}

// NewUploaderWorker constructs a worker with queueSize buffered command
// slots. Enqueue never blocks as long as the queue isn't full; a full
// queue causes the enqueue to drop the command and report false, rather
// than block the caller (typically the byte-reception path) until there
// is room.
func NewUploaderWorker(queueSize int) *UploaderWorker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &UploaderWorker{queue: make(chan command, queueSize)}
}

// Settings enqueues a reconfiguration command: on the worker goroutine,
// it opens a fresh store handle for (couchURI, couchDB) and constructs a
// new Uploader for callsign, replacing whatever Uploader was running
// before. Like every other worker method this never blocks the caller —
// the network round trip Open performs happens later, on the worker
// goroutine, not here. Empty couchURI/couchDB fall back to
// DefaultCouchURI/DefaultCouchDB. Hooks, once set, persist across
// Settings calls unless replaced by SetHooks.
func (w *UploaderWorker) Settings(callsign, couchURI, couchDB string) bool {
	if couchURI == "" {
		couchURI = DefaultCouchURI
	}
	if couchDB == "" {
		couchDB = DefaultCouchDB
	}
	w.ensureStarted()
	w.logf("queued settings(%s, %s, %s)", callsign, couchURI, couchDB)
	return w.enqueue(command{run: func(ctx context.Context, _ *uploader.Uploader) error {
		client, err := store.Open(ctx, w.httpClient(), couchURI, couchDB)
		if err != nil {
			_ = w.logger().Error("failed to open document store",
				rfc5424.SDParam{Name: "couch_uri", Value: couchURI},
				rfc5424.SDParam{Name: "couch_db", Value: couchDB},
				rfc5424.SDParam{Name: "err", Value: err.Error()})
			return err
		}
		u := uploader.New(client, callsign, w.UploaderConfig)
		w.mu.Lock()
		w.uploader = u
		w.mu.Unlock()
		_ = w.logger().Info("uploader (re)configured",
			rfc5424.SDParam{Name: "callsign", Value: callsign},
			rfc5424.SDParam{Name: "couch_uri", Value: couchURI},
			rfc5424.SDParam{Name: "couch_db", Value: couchDB},
			rfc5424.SDParam{Name: "version", Value: habitatversion.String()})
		return nil
	}})
}

// SetHooks installs the hooks invoked around every command, starting the
// background goroutine on first call.
func (w *UploaderWorker) SetHooks(hooks Hooks) {
	w.mu.Lock()
	w.hooks = hooks
	w.mu.Unlock()
	w.ensureStarted()
}

func (w *UploaderWorker) httpClient() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return http.DefaultClient
}

func (w *UploaderWorker) logger() *habitatlog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return habitatlog.NewDiscard()
}

func (w *UploaderWorker) ensureStarted() {
	w.mu.Lock()
	needsStart := !w.started
	w.started = true
	w.mu.Unlock()
	if needsStart {
		w.start()
	}
}

// Reset enqueues dropping the current Uploader. Commands queued after
// this one fail with ErrUploaderNotConfigured, matching spec's
// "Uploader settings were not initialised", until the next Settings call.
func (w *UploaderWorker) Reset() bool {
	w.ensureStarted()
	w.logf("queued reset()")
	return w.enqueue(command{run: func(ctx context.Context, _ *uploader.Uploader) error {
		w.mu.Lock()
		w.uploader = nil
		w.mu.Unlock()
		return nil
	}})
}

func (w *UploaderWorker) start() {
	ctx := context.Background()
	g, ctx := errgroup.WithContext(ctx)
	w.group = g
	g.Go(func() error {
		for cmd := range w.queue {
			if err := w.run(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

// run executes cmd and reports its error through CaughtException, unless
// AllowExceptions is set, in which case the error is returned instead so
// it stops the worker goroutine and surfaces through Join. Reset and
// Settings commands run unconditionally (they don't need an Uploader);
// every other command needs one configured first.
func (w *UploaderWorker) run(ctx context.Context, cmd command) error {
	w.mu.Lock()
	u := w.uploader
	hooks := w.hooks
	allow := w.AllowExceptions
	w.mu.Unlock()

	err := cmd.run(ctx, u)
	if err == nil {
		return nil
	}
	_ = w.logger().Warn("command failed", rfc5424.SDParam{Name: "err", Value: err.Error()})
	if allow {
		return err
	}
	if hooks.CaughtException != nil {
		hooks.CaughtException(err)
	}
	return nil
}

// enqueue appends cmd to the FIFO queue without blocking, returning
// false (and not queuing the command) if the queue is full.
func (w *UploaderWorker) enqueue(cmd command) bool {
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

func (w *UploaderWorker) logf(format string, args ...interface{}) {
	w.mu.Lock()
	hooks := w.hooks
	w.mu.Unlock()
	if hooks.Log != nil {
		hooks.Log(fmt.Sprintf(format, args...))
	}
}

// requireUploader wraps cmd so it fails with ErrUploaderNotConfigured
// instead of running against a nil Uploader.
func requireUploader(run func(ctx context.Context, u *uploader.Uploader) error) func(ctx context.Context, u *uploader.Uploader) error {
	return func(ctx context.Context, u *uploader.Uploader) error {
		if u == nil {
			return ErrUploaderNotConfigured
		}
		return run(ctx, u)
	}
}

// ListenerTelemetry enqueues an Uploader.ListenerTelemetry call.
func (w *UploaderWorker) ListenerTelemetry(data map[string]interface{}) bool {
	w.logf("queued listener_telemetry")
	return w.enqueue(command{run: requireUploader(func(ctx context.Context, u *uploader.Uploader) error {
		_, err := u.ListenerTelemetry(ctx, data, nil)
		return err
	})})
}

// ListenerInformation enqueues an Uploader.ListenerInformation call.
func (w *UploaderWorker) ListenerInformation(data map[string]interface{}) bool {
	w.logf("queued listener_information")
	return w.enqueue(command{run: requireUploader(func(ctx context.Context, u *uploader.Uploader) error {
		_, err := u.ListenerInformation(ctx, data, nil)
		return err
	})})
}

// PayloadTelemetry enqueues an Uploader.PayloadTelemetry call. It
// satisfies extractor.PayloadTelemetryUploader, so a worker can stand in
// directly for an uploader wherever an extractor.Manager is constructed,
// keeping sentence extraction decoupled from upload latency.
func (w *UploaderWorker) PayloadTelemetry(raw []byte, metadata map[string]interface{}) error {
	raw = append([]byte(nil), raw...)
	w.logf("queued payload_telemetry")
	ok := w.enqueue(command{run: requireUploader(func(ctx context.Context, u *uploader.Uploader) error {
		return u.PayloadTelemetry(raw, metadata)
	})})
	if !ok {
		return errQueueFull
	}
	return nil
}

// Flights enqueues a flights() query; the result reaches Hooks.GotFlights.
func (w *UploaderWorker) Flights() bool {
	return w.enqueue(command{run: requireUploader(func(ctx context.Context, u *uploader.Uploader) error {
		flights, err := u.Flights(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		hooks := w.hooks
		w.mu.Unlock()
		if hooks.GotFlights != nil {
			hooks.GotFlights(flights)
		}
		return nil
	})})
}

// Payloads enqueues a payloads() query; the result reaches
// Hooks.GotPayloads.
func (w *UploaderWorker) Payloads() bool {
	return w.enqueue(command{run: requireUploader(func(ctx context.Context, u *uploader.Uploader) error {
		payloads, err := u.Payloads(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		hooks := w.hooks
		w.mu.Unlock()
		if hooks.GotPayloads != nil {
			hooks.GotPayloads(payloads)
		}
		return nil
	})})
}

// Join stops accepting new commands, waits for the queue to drain and
// the background goroutine to exit, and returns any error the goroutine
// terminated with (only possible when AllowExceptions is true; otherwise
// always nil).
func (w *UploaderWorker) Join() error {
	w.ensureStarted()
	close(w.queue)
	return w.group.Wait()
}
