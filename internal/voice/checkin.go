package voice

import "time"

// DefaultCheckInDelays is the silence backoff: prompts fire 2, 6, 14 and 30
// seconds into a silence and the session ends at 62 seconds.
var DefaultCheckInDelays = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// checkInPrompt returns the one-off response instructions for a check-in
// level, escalating from a gentle nudge to a final warning.
func checkInPrompt(level int) string {
	switch level {
	case 1:
		return "The candidate has gone quiet. In one short, warm sentence, ask whether they are still there."
	case 2:
		return "The candidate is still silent. Briefly ask whether they are having trouble with their microphone or connection."
	case 3:
		return "The candidate has not responded for a while. Ask whether they would like to continue now or reschedule the interview."
	default:
		return "Tell the candidate directly that if they do not respond, the interview will end in a few seconds."
	}
}

// Timer is the part of *time.Timer the broker needs, so tests can fire
// timers by hand.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// TimerFactory starts a timer that fires once after d.
type TimerFactory func(d time.Duration) Timer

type runtimeTimer struct{ t *time.Timer }

func (r runtimeTimer) C() <-chan time.Time { return r.t.C }
func (r runtimeTimer) Stop() bool          { return r.t.Stop() }

func newRuntimeTimer(d time.Duration) Timer { return runtimeTimer{t: time.NewTimer(d)} }

// stopTimer stops t and drains a pending fire so a stale tick can never be
// observed after the state change that cancelled it.
func stopTimer(t Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C():
		default:
		}
	}
}

func timerC(t Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}
