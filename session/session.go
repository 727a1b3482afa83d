// Package session implements C6: the device session actor. One Session
// owns exactly one USB link for the lifetime of a device connection; it
// serializes every operation through a single mailbox goroutine (spec
// §5: "the core is single-threaded cooperative per device"), builds
// the effective tuning policy from C4+C5 at open time, and drives the
// write recovery state machine (spec §4.6).
//
// Grounded on ipp-usb's device.go (one Device per physical printer,
// goto-based open/teardown), restructured from its thread-pool-serving
// style into a literal mailbox actor, since the spec calls for
// explicit, cancellable suspension points rather than a blocking
// request handler.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/internal/logging"
	"github.com/swiftmtp/swiftmtp/journal"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/profile"
	"github.com/swiftmtp/swiftmtp/ptp"
	"github.com/swiftmtp/swiftmtp/quirks"
	"github.com/swiftmtp/swiftmtp/usbtransport"
)

// OpenTransport acquires (or re-acquires) the USB transport for a
// device. Session never constructs a *usbtransport.GousbTransport
// directly, so it stays agnostic between the real gousb backend and
// usbtransport.MockTransport in tests.
type OpenTransport func(ctx context.Context) (usbtransport.Transport, error)

// Config bundles a Session's external collaborators (spec §2 "Data
// flow: the session actor... uses C4+C5 at open time").
type Config struct {
	Summary   device.Summary
	Open      OpenTransport
	QuirkDB   *quirks.DB
	Profiles  *profile.Store
	Journal   *journal.Store
	Overrides quirks.Overrides
	Log       *logging.Logger

	// Fs resolves source/temp file paths for the transfer engine (spec
	// §4.7). Defaults to afero.NewOsFs() when nil.
	Fs afero.Fs
}

func (c Config) fsOrDefault() afero.Fs {
	if c.Fs == nil {
		return afero.NewOsFs()
	}
	return c.Fs
}

// Session is the C6 actor. Exported methods submit a closure to the
// mailbox and block for its result; only the mailbox goroutine ever
// touches the unexported fields below it.
type Session struct {
	cfg Config
	fp  device.Fingerprint
	log *logging.Logger

	mailbox chan job
	done    chan struct{}
	once    sync.Once

	// Mailbox-goroutine-only state (spec §3 "Ownership": "All mutation
	// of a session's state occurs inside the actor").
	transport           usbtransport.Transport
	link                *link.Link
	opened              bool
	sessionID           uint32
	deviceInfo          model.DeviceInfo
	policy              model.DevicePolicy
	storageIDs          []uint32
	cacheMu             sync.Mutex
	parentStorageCache  map[uint32]uint32 // object handle -> storage id; cacheMu-guarded since Delete's recursive fan-out touches it from more than one goroutine at once
	propListDisabled    bool
	events              <-chan link.Event
	receipt             ProbeReceipt
}

// ProbeReceipt records how the session's effective policy was arrived
// at (spec §4.6 step 9): the matched quirk, the probed capabilities and
// the policy that resulted. Surfaced for diagnostics only; nothing in
// the engine branches on it.
type ProbeReceipt struct {
	Fingerprint  device.Fingerprint
	QuirkID      string
	QuirkStatus  string
	Capabilities quirks.Capabilities
	Policy       model.DevicePolicy
	OpenedAt     time.Time
}

type job struct {
	ctx      context.Context
	fn       func(ctx context.Context) (interface{}, error)
	resultCh chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// New constructs a Session. The device is not opened until Open (or any
// other operation) is called.
func New(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = logging.Log
	}

	s := &Session{
		cfg:                cfg,
		fp:                 cfg.Summary.Fingerprint,
		log:                log.Prefixed(cfg.Summary.Ident()),
		mailbox:            make(chan job),
		done:               make(chan struct{}),
		parentStorageCache: map[uint32]uint32{},
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case j := <-s.mailbox:
			val, err := j.fn(j.ctx)
			j.resultCh <- jobResult{val: val, err: err}
		case <-s.done:
			return
		}
	}
}

// submit enqueues fn into the mailbox and blocks until it runs and
// returns, or ctx is cancelled, or the session is closed (spec §5
// "Suspension is explicit and observable to a cancellation signal").
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	resultCh := make(chan jobResult, 1)
	select {
	case s.mailbox <- job{ctx: ctx, fn: fn, resultCh: resultCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errs.ErrShutdown
	}

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the link and stops the actor. Safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	_, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.closeLocked(ctx)
	})
	s.once.Do(func() { close(s.done) })
	return err
}

func (s *Session) closeLocked(ctx context.Context) error {
	if !s.opened {
		return nil
	}
	if s.events != nil {
		s.link.StopEventPump()
		s.cacheMu.Lock()
		s.events = nil
		s.cacheMu.Unlock()
	}
	_, _ = s.link.CloseSession(ctx)
	s.runHooks(ctx, model.PhaseOnDetach)
	err := s.transport.Close()
	s.opened = false
	s.log.Debug(' ', "session closed")
	return err
}

// Open runs the open-if-needed sequence (spec §4.6) if it hasn't
// already succeeded for this Session.
func (s *Session) Open(ctx context.Context) error {
	_, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.ensureOpen(ctx)
	})
	return err
}

// ensureOpen runs the full open sequence exactly once; callers
// (including every public operation below) call it first so "open on
// first use" and an explicit Open() behave identically.
func (s *Session) ensureOpen(ctx context.Context) error {
	if s.opened {
		return nil
	}

	quirk, hasQuirk := s.quirkEntry()
	learned := s.learnedLayer()
	eff := quirks.Merge(quirks.Defaults(), quirks.Capabilities{}, learned, quirkPtr(quirk, hasQuirk), s.cfg.Overrides)
	s.policy = quirks.BuildPolicy(eff)

	// The whole open sequence is bounded by the overall deadline (spec
	// §5: "the whole session's open sequence is bounded by
	// overallDeadlineMs").
	octx := ctx
	if d := s.policy.Tuning.OverallDeadlineMs; d > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, msToDuration(d))
		defer cancel()
	}

	s.runHooks(octx, model.PhasePostOpenUSB)

	transport, err := s.cfg.Open(octx)
	if err != nil {
		return err
	}
	s.transport = transport

	// Handshake-phase commands run under the handshake timeout; the
	// regular bulk I/O timeout takes over once the policy is rebuilt
	// with probed capabilities below.
	s.link = link.New(transport, msToDuration(s.policy.Tuning.HandshakeTimeoutMs), s.policy.Tuning.MaxChunkBytes, s.log)

	s.runHooks(octx, model.PhasePostClaimInterface)

	if err := s.openSessionWithRecovery(octx); err != nil {
		return err
	}

	if err := s.sleep(octx, msToDuration(s.policy.Tuning.StabilizeMs)); err != nil {
		return err
	}
	s.runHooks(octx, model.PhasePostOpenSession)
	s.runHooks(octx, model.PhaseBeforeGetDeviceInfo)

	di, err := s.link.GetDeviceInfo(octx)
	if err != nil {
		return err
	}
	s.deviceInfo = di
	s.log.Info(' ', "opened %s, firmware %s", di.Manufacturer+" "+di.Model, di.FirmwareVersion)

	caps := capsFromDeviceInfo(di)
	eff = quirks.Merge(quirks.Defaults(), caps, learned, quirkPtr(quirk, hasQuirk), s.cfg.Overrides)
	s.policy = quirks.BuildPolicy(eff)
	s.receipt = ProbeReceipt{
		Fingerprint:  s.fp,
		QuirkID:      quirk.ID,
		QuirkStatus:  quirk.Status,
		Capabilities: caps,
		Policy:       s.policy,
		OpenedAt:     time.Now(),
	}
	s.link.SetIOTimeout(msToDuration(s.policy.Tuning.IOTimeoutMs))
	s.link.SetInactivityTimeout(msToDuration(s.policy.Tuning.InactivityTimeoutMs))
	s.log.Debug(' ', "policy: chunk=%d io=%dms enum=%s read=%s write=%s",
		eff.MaxChunkBytes, eff.IOTimeoutMs, s.policy.Enumeration, s.policy.Read, s.policy.Write)

	if caps.SupportsEvents {
		// The pump's lifetime is the session's, not this open call's;
		// closeLocked stops it.
		ev := s.link.StartEventPump(context.Background())
		s.cacheMu.Lock()
		s.events = ev
		s.cacheMu.Unlock()
	}

	s.reconcilePartialWrites(octx)

	s.opened = true
	if s.cfg.Profiles != nil {
		_ = s.cfg.Profiles.Observe(s.fp, profile.Observation{
			MaxChunkBytes:       eff.MaxChunkBytes,
			IOTimeoutMs:         eff.IOTimeoutMs,
			HandshakeTimeoutMs:  eff.HandshakeTimeoutMs,
			InactivityTimeoutMs: eff.InactivityTimeoutMs,
			OverallDeadlineMs:   eff.OverallDeadlineMs,
		})
	}
	return nil
}

// openSessionWithRecovery implements spec §4.6 step 5: preemptive
// close, OpenSession(1), SessionAlreadyOpen retry, and the
// reset/reopen ladder on a transport-level failure.
func (s *Session) openSessionWithRecovery(ctx context.Context) error {
	s.sessionID = 1
	s.link.ResetTxID()

	_, _ = s.link.CloseSession(ctx) // preemptive; stale session from a prior crash

	rsp, err := s.link.OpenSession(ctx, s.sessionID)
	if err == nil {
		perr := link.CheckOK(rsp)
		if perr == nil {
			return nil
		}
		if !errs.ProtocolKindIs(perr, errs.ProtocolSessionAlreadyOpen) {
			return perr
		}

		s.log.Debug('!', "session already open; closing and retrying")
		_, _ = s.link.CloseSession(ctx)
		rsp, err = s.link.OpenSession(ctx, s.sessionID)
		if err == nil {
			return link.CheckOK(rsp)
		}
	}

	if !s.policy.Tuning.ResetReopenOnOpenSessionIOError {
		return err
	}
	if te, ok := errs.IsTransport(err); !ok || !te.Retryable() {
		return err
	}

	return s.resetReopenLadder(ctx)
}

// resetReopenLadder tears the link fully down and re-acquires the
// transport once, per spec §4.6 step 5's "reset/reopen ladder".
func (s *Session) resetReopenLadder(ctx context.Context) error {
	s.log.Info('!', "resetting device and reopening link")
	_ = s.transport.ResetDevice()
	_ = s.transport.Close()

	transport, err := s.cfg.Open(ctx)
	if err != nil {
		return err
	}
	s.transport = transport
	s.link = link.New(transport, msToDuration(s.policy.Tuning.IOTimeoutMs), s.policy.Tuning.MaxChunkBytes, s.log)

	wait := s.policy.Tuning.PostClaimStabilizeMs
	if wait < 250 {
		wait = 250
	}
	if err := s.sleep(ctx, msToDuration(wait)); err != nil {
		return err
	}

	s.link.ResetTxID()
	rsp, err := s.link.OpenSession(ctx, s.sessionID)
	if err != nil {
		return err
	}
	return link.CheckOK(rsp)
}

func (s *Session) quirkEntry() (quirks.Entry, bool) {
	if s.cfg.QuirkDB == nil {
		return quirks.Entry{}, false
	}
	return s.cfg.QuirkDB.Best(s.fp)
}

func quirkPtr(e quirks.Entry, ok bool) *quirks.Entry {
	if !ok {
		return nil
	}
	return &e
}

func (s *Session) learnedLayer() quirks.Learned {
	if s.cfg.Profiles == nil {
		return quirks.Learned{}
	}
	rec, ok := s.cfg.Profiles.Load(s.fp)
	if !ok {
		return quirks.Learned{}
	}
	return rec.ToLearned()
}

func capsFromDeviceInfo(di model.DeviceInfo) quirks.Capabilities {
	return quirks.Capabilities{
		SupportsGetObjectPropList:  di.Supports(uint16(ptp.OpGetObjectPropList)),
		SupportsGetPartialObject:   di.Supports(uint16(ptp.OpGetPartialObject)),
		SupportsGetPartialObject64: di.Supports(uint16(ptp.OpGetPartialObject64)),
		SupportsSendPartialObject:  di.Supports(uint16(ptp.OpSendPartialObject)),
		SupportsSendObjectPropList: di.Supports(uint16(ptp.OpSendObjectPropList)),
		SupportsEvents:             len(di.EventsSupported) > 0,
	}
}

// reconcilePartialWrites runs spec §4.6 step 11: every journal write
// record with a known remote handle is checked against the device; a
// short partial is deleted, a record whose handle no longer exists is
// treated as already cleaned.
func (s *Session) reconcilePartialWrites(ctx context.Context) {
	if s.cfg.Journal == nil {
		return
	}
	deviceID := s.cfg.Summary.Ident()

	for _, rec := range s.cfg.Journal.LoadResumables(deviceID) {
		if rec.Kind != model.TransferWrite || !rec.HasRemoteHandle {
			continue
		}

		oi, err := s.link.GetObjectInfo(ctx, rec.RemoteHandle)
		if err != nil {
			if errs.ProtocolKindIs(err, errs.ProtocolObjectNotFound) {
				_ = s.cfg.Journal.Fail(deviceID, rec.ID, "remote handle no longer exists; treated as cleaned", false)
			}
			continue
		}
		if rec.HasTotalBytes && oi.HasSize && oi.Size < rec.TotalBytes {
			s.log.Info('!', "deleting partial write %q (handle 0x%08x, %d of %d bytes)",
				rec.Name, rec.RemoteHandle, oi.Size, rec.TotalBytes)
			_, _ = s.link.DeleteObject(ctx, rec.RemoteHandle)
			_ = s.cfg.Journal.Fail(deviceID, rec.ID, "partial write reconciled at open", false)
		}
	}
}

func (s *Session) runHooks(ctx context.Context, phase model.Phase) {
	for _, action := range s.policy.Tuning.Hooks[phase] {
		if action.Delay > 0 {
			select {
			case <-time.After(action.Delay):
			case <-ctx.Done():
				return
			}
		}
		if action.Busy != nil {
			s.runBusyBackoff(ctx, *action.Busy)
		}
	}
}

func (s *Session) runBusyBackoff(ctx context.Context, b model.BusyBackoff) {
	delay := time.Duration(b.BaseMs) * time.Millisecond
	for i := 0; i < b.Retries; i++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}
}

// sleep waits for d, returning early with ctx.Err() on cancellation
// (spec §5: every suspension point is a cancellation point).
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
