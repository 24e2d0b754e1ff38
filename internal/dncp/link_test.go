package dncp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLink_StartsJoinPending(t *testing.T) {
	t.Parallel()

	l := NewLink("eth0", 1, LinkConf{})
	require.False(t, l.Active())
}

func TestLink_MarkJoined_ActivatesAndSeedsTrickle(t *testing.T) {
	t.Parallel()

	conf := LinkConf{TrickleIMin: time.Second, TrickleIMax: 10 * time.Second, KeepaliveInterval: 5 * time.Second}
	l := NewLink("eth0", 1, conf)
	now := time.Unix(1000, 0)

	l.MarkJoined(now, rand.New(rand.NewSource(1)))

	require.True(t, l.Active())
	require.Equal(t, time.Second, l.TrickleI())
	require.Equal(t, now.Add(5*time.Second), l.nextKeepaliveTime)
}

func TestLink_MarkJoinFailed_SchedulesRetry(t *testing.T) {
	t.Parallel()

	conf := LinkConf{RejoinInterval: 30 * time.Second}
	l := NewLink("eth0", 1, conf)
	now := time.Unix(1000, 0)

	l.MarkJoinFailed(now)

	require.False(t, l.Active())
	require.Equal(t, now.Add(30*time.Second), l.nextJoinAttempt)
}

func TestLink_JoinRetryDue(t *testing.T) {
	t.Parallel()

	conf := LinkConf{RejoinInterval: 30 * time.Second}
	l := NewLink("eth0", 1, conf)
	now := time.Unix(1000, 0)
	l.MarkJoinFailed(now)

	require.False(t, l.JoinRetryDue(now))
	require.True(t, l.JoinRetryDue(now.Add(30*time.Second)))
}

func TestLink_JoinRetryDue_FalseWhenActive(t *testing.T) {
	t.Parallel()

	l := NewLink("eth0", 1, LinkConf{})
	l.MarkJoined(time.Unix(1000, 0), rand.New(rand.NewSource(1)))
	require.False(t, l.JoinRetryDue(time.Unix(999999, 0)))
}

func TestLinkConf_FillDefaults(t *testing.T) {
	t.Parallel()

	var conf LinkConf
	conf.fillDefaults()

	require.Equal(t, DefaultTrickleIMin, conf.TrickleIMin)
	require.Equal(t, DefaultTrickleIMax, conf.TrickleIMax)
	require.Equal(t, DefaultTrickleK, conf.TrickleK)
	require.Equal(t, DefaultKeepaliveMult, conf.KeepaliveMult)
	require.Equal(t, DefaultRejoinInterval, conf.RejoinInterval)
}

func TestLink_Stats(t *testing.T) {
	t.Parallel()

	l := NewLink("eth0", 1, LinkConf{TrickleIMin: time.Second, TrickleIMax: 10 * time.Second, TrickleK: 100})
	l.MarkJoined(time.Unix(1000, 0), rand.New(rand.NewSource(1)))

	now := l.trickleSendTime
	stepActive(l, now, rand.New(rand.NewSource(1)), func() {})

	sent, skipped := l.Stats()
	require.Equal(t, uint64(1), sent)
	require.Equal(t, uint64(0), skipped)
}
