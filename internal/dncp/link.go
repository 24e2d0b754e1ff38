package dncp

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinkConf holds the recognized per-link tunables from spec.md §3/§6.
type LinkConf struct {
	TrickleIMin       time.Duration
	TrickleIMax       time.Duration
	TrickleK          int
	KeepaliveInterval time.Duration
	KeepaliveMult     float64 // open question in spec.md §9: exposed per-link, not a single global constant
	RejoinInterval    time.Duration
}

// Default tunables, per spec.md §6.
const (
	DefaultTrickleIMin      = 200 * time.Millisecond
	DefaultTrickleIMax      = 40 * time.Second
	DefaultTrickleK         = 1
	DefaultRejoinInterval   = 60 * time.Second
	DefaultKeepaliveMult    = 2.1
	DefaultMinPruneInterval = 5 * time.Second
	DefaultGrace            = 60 * time.Second
)

// fillDefaults applies spec.md §6's tunable defaults to unset fields.
func (c *LinkConf) fillDefaults() {
	if c.TrickleIMin <= 0 {
		c.TrickleIMin = DefaultTrickleIMin
	}
	if c.TrickleIMax <= 0 {
		c.TrickleIMax = DefaultTrickleIMax
	}
	if c.TrickleK <= 0 {
		c.TrickleK = DefaultTrickleK
	}
	if c.KeepaliveMult <= 0 {
		c.KeepaliveMult = DefaultKeepaliveMult
	}
	if c.RejoinInterval <= 0 {
		c.RejoinInterval = DefaultRejoinInterval
	}
}

// Link is a local network interface DNCP runs over.
type Link struct {
	Name       string
	EndpointID uint32
	Conf       LinkConf

	trickleI              time.Duration
	trickleSendTime       time.Time
	trickleIntervalEnd    time.Time
	trickleC              int
	nextKeepaliveTime     time.Time
	lastTrickleSent       time.Time
	numTrickleSent        uint64
	numTrickleSkipped     uint64

	// joinFailedTime is non-zero while the link is in rejoin-pending state.
	joinFailedTime time.Time
	nextJoinAttempt time.Time
	rejoin          *backoff.ConstantBackOff
}

// epoch is a fixed non-zero instant used to seed a freshly constructed
// Link's join_failed_time so it starts in join-pending state, distinct
// from the zero Time that means "active" on Link.Active().
var epoch = time.Unix(1, 0)

// NewLink constructs a Link in join-pending state (the run loop's join
// retry step brings it active on a successful SetInterfaceEnabled call).
func NewLink(name string, endpointID uint32, conf LinkConf) *Link {
	conf.fillDefaults()
	return &Link{
		Name:            name,
		EndpointID:      endpointID,
		Conf:            conf,
		joinFailedTime:  epoch,
		rejoin:          backoff.NewConstantBackOff(conf.RejoinInterval),
	}
}

// Active reports whether the link has successfully joined and is running
// Trickle (join_failed_time == 0).
func (l *Link) Active() bool {
	return l.joinFailedTime.IsZero()
}

// MarkJoinFailed enters (or remains in) join-pending state, scheduling the
// next retry REJOIN_INTERVAL out via the constant backoff policy.
func (l *Link) MarkJoinFailed(now time.Time) {
	l.joinFailedTime = now
	l.nextJoinAttempt = now.Add(l.rejoin.NextBackOff())
}

// MarkJoined transitions the link to active: join_failed_time := 0,
// next_keepalive_time := now + keepalive_interval, trickle_set(Imin).
func (l *Link) MarkJoined(now time.Time, rnd *rand.Rand) {
	l.joinFailedTime = time.Time{}
	l.nextJoinAttempt = time.Time{}
	if l.Conf.KeepaliveInterval > 0 {
		l.nextKeepaliveTime = now.Add(l.Conf.KeepaliveInterval)
	}
	trickleSet(l, now, l.Conf.TrickleIMin, rnd)
}

// JoinRetryDue reports whether a join-pending link's retry timer has
// elapsed.
func (l *Link) JoinRetryDue(now time.Time) bool {
	return !l.Active() && !l.nextJoinAttempt.After(now)
}

// TrickleI returns the link's current Trickle interval, for tests and
// introspection.
func (l *Link) TrickleI() time.Duration {
	return l.trickleI
}

// Stats returns send/skip telemetry counters.
func (l *Link) Stats() (sent, skipped uint64) {
	return l.numTrickleSent, l.numTrickleSkipped
}
