package dclock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestClock_Now(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	c := New(fake, nil)
	require.Equal(t, fake.Now(), c.Now())

	fake.Advance(5 * time.Second)
	require.Equal(t, fake.Now(), c.Now())
}

func TestClock_ScheduleFiresOnWake(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	var fired atomic.Int32
	c := New(fake, func() { fired.Add(1) })

	c.Schedule(10 * time.Millisecond)
	fake.BlockUntilContext(t.Context(), 1)
	fake.Advance(10 * time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestClock_ScheduleCoalescesToEarliest(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	var fired atomic.Int32
	c := New(fake, func() { fired.Add(1) })

	c.Schedule(100 * time.Millisecond)
	fake.BlockUntilContext(t.Context(), 1)

	// A later request must not push the wakeup out.
	c.Schedule(time.Second)

	fake.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	// No second fire from the later, coalesced-away request.
	fake.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestClock_ScheduleEarlierReplacesLater(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	var fired atomic.Int32
	c := New(fake, func() { fired.Add(1) })

	c.Schedule(time.Second)
	fake.BlockUntilContext(t.Context(), 1)

	c.Schedule(10 * time.Millisecond)
	fake.Advance(10 * time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestClock_StopCancelsWakeup(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	var fired atomic.Int32
	c := New(fake, func() { fired.Add(1) })

	c.Schedule(10 * time.Millisecond)
	fake.BlockUntilContext(t.Context(), 1)
	c.Stop()

	fake.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(0), fired.Load())
}
