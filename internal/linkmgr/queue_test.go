package linkmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventQueue_PopIfDueOrdersByTime(t *testing.T) {
	q := NewEventQueue()
	base := time.Unix(0, 0)

	late := &event{when: base.Add(2 * time.Second), kind: eventTick}
	early := &event{when: base.Add(time.Second), kind: eventTimeout}
	q.Push(late)
	q.Push(early)

	ev, wait := q.PopIfDue(base.Add(3 * time.Second))
	require.NotNil(t, ev)
	require.Equal(t, time.Duration(0), wait)
	require.Same(t, early, ev)

	ev, wait = q.PopIfDue(base.Add(3 * time.Second))
	require.NotNil(t, ev)
	require.Same(t, late, ev)
	require.Equal(t, 0, q.Len())
}

func TestEventQueue_PopIfDueReturnsWaitWhenNothingDue(t *testing.T) {
	q := NewEventQueue()
	base := time.Unix(0, 0)
	q.Push(&event{when: base.Add(5 * time.Second)})

	ev, wait := q.PopIfDue(base)
	require.Nil(t, ev)
	require.Equal(t, 5*time.Second, wait)
	require.Equal(t, 1, q.Len())
}

func TestEventQueue_SameInstantIsFIFO(t *testing.T) {
	q := NewEventQueue()
	when := time.Unix(0, 0)
	first := &event{when: when}
	second := &event{when: when}
	q.Push(first)
	q.Push(second)

	ev, _ := q.PopIfDue(when)
	require.Same(t, first, ev)
	ev, _ = q.PopIfDue(when)
	require.Same(t, second, ev)
}
