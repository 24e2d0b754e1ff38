package dncp

import (
	"math/rand"
	"time"
)

// trickleSet clamps i into [Imin, Imax], sets trickle_i, picks t uniformly
// in [i/2, i), and resets trickle_c. Exactly spec.md §4.6's
// trickle_set(i) primitive.
func trickleSet(l *Link, now time.Time, i time.Duration, rnd *rand.Rand) {
	imin, imax := l.Conf.TrickleIMin, l.Conf.TrickleIMax
	if i < imin {
		i = imin
	} else if i > imax {
		i = imax
	}
	l.trickleI = i

	half := i / 2
	var jitter time.Duration
	if half > 0 {
		jitter = time.Duration(rnd.Int63n(int64(half)))
	}
	t := half + jitter

	l.trickleSendTime = now.Add(t)
	l.trickleIntervalEnd = now.Add(i)
	l.trickleC = 0
}

// trickleUpgrade doubles the interval: trickle_set(2*i).
func trickleUpgrade(l *Link, now time.Time, rnd *rand.Rand) {
	trickleSet(l, now, l.trickleI*2, rnd)
}

// OnConsistent increments trickle_c on an incoming summary that matches the
// local network hash (spec.md §4.6 "External effects on Trickle").
func (l *Link) OnConsistent() {
	l.trickleC++
}

// ResetForInconsistency resets Trickle to Imin on this link. Called on any
// inconsistent summary, or by the run loop on every active link when the
// network hash actually changes.
func (l *Link) ResetForInconsistency(now time.Time, rnd *rand.Rand) {
	if !l.Active() {
		return
	}
	trickleSet(l, now, l.Conf.TrickleIMin, rnd)
}

// stepResult reports what a Trickle step did, for telemetry and tests.
type stepResult int

const (
	stepNone stepResult = iota
	stepUpgraded
	stepSent
	stepSkipped
	stepKeepalive
)

// stepActive executes one run-loop Trickle step for an active link
// (spec.md §4.6 "Run-loop step for a link in active"), and returns the
// earliest next deadline this link cares about.
func stepActive(l *Link, now time.Time, rnd *rand.Rand, send func()) (stepResult, time.Time) {
	result := stepNone

	switch {
	case !l.trickleIntervalEnd.IsZero() && !l.trickleIntervalEnd.After(now):
		trickleUpgrade(l, now, rnd)
		result = stepUpgraded

	case !l.trickleSendTime.IsZero() && !l.trickleSendTime.After(now):
		if l.trickleC < l.Conf.TrickleK {
			doSend(l, now, send)
			result = stepSent
		} else {
			l.numTrickleSkipped++
			result = stepSkipped
		}
		l.trickleSendTime = time.Time{}

	case !l.nextKeepaliveTime.IsZero() && !l.nextKeepaliveTime.After(now):
		doSend(l, now, send)
		// Do not increment Trickle i; re-randomize within the current
		// interval via trickle_set(trickle_i) (no doubling).
		trickleSet(l, now, l.trickleI, rnd)
		result = stepKeepalive
	}

	next := l.trickleIntervalEnd
	next = earlier(next, l.trickleSendTime)
	next = earlier(next, l.nextKeepaliveTime)
	return result, next
}

// doSend performs the unconditional send-side-effects of a Trickle
// transmission: invoke the caller's send callback, bump telemetry, and
// (re)schedule the next keep-alive.
func doSend(l *Link, now time.Time, send func()) {
	l.numTrickleSent++
	l.lastTrickleSent = now
	send()
	if l.Conf.KeepaliveInterval > 0 {
		l.nextKeepaliveTime = now.Add(l.Conf.KeepaliveInterval)
	}
}

// earlier returns the earlier of two times, treating the zero time as "no
// deadline" (larger than any real deadline).
func earlier(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}
