package link

import (
	"context"
	"time"

	"github.com/swiftmtp/swiftmtp/ptp"
)

// StartEventPump starts a long-lived goroutine reading the interrupt
// endpoint and decoding container type=4 events. It must not interfere
// with command/response serialization (it never takes l.mu) and stops
// cleanly when ctx is cancelled or StopEventPump is called (spec §4.3).
func (l *Link) StartEventPump(ctx context.Context) <-chan Event {
	ctx, cancel := context.WithCancel(ctx)
	l.eventCancel = cancel
	l.events = make(chan Event, 16)

	l.eventWG.Add(1)
	go l.eventPumpLoop(ctx)

	return l.events
}

// StopEventPump stops the event pump and waits for it to exit. No
// event is delivered after this returns (spec §5: "no event is
// delivered after CloseSession returns").
func (l *Link) StopEventPump() {
	if l.eventCancel == nil {
		return
	}
	l.eventCancel()
	l.eventWG.Wait()
	close(l.events)
}

// eventPollTimeout bounds one interrupt-in read: the tuned inactivity
// timeout. Read without taking l.mu so the pump never contends with an
// in-flight command transaction.
func (l *Link) eventPollTimeout() time.Duration {
	return time.Duration(l.inactivityTimeoutNs.Load())
}

func (l *Link) eventPumpLoop(ctx context.Context) {
	defer l.eventWG.Done()

	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := l.t.InterruptIn(ctx, buf, l.eventPollTimeout())
		if err != nil {
			continue // transient read errors (including timeouts) are expected; keep polling
		}
		if n < ptp.HeaderSize {
			continue
		}

		hdr, err := ptp.DecodeHeader(buf[:n])
		if err != nil || hdr.Type != ptp.TypeEvent {
			continue
		}

		nparams := (n - ptp.HeaderSize) / 4
		if nparams > ptp.MaxEventParams {
			nparams = ptp.MaxEventParams
		}
		params, err := ptp.DecodeParams(buf[ptp.HeaderSize:n], nparams)
		if err != nil {
			continue
		}

		select {
		case l.events <- Event{Code: hdr.Code, Params: params}:
		case <-ctx.Done():
			return
		}
	}
}
