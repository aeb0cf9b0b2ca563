package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_OrdersByTimeThenSequence(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	var order []string

	s.Schedule(10*time.Microsecond, "late", func() { order = append(order, "late") })
	s.Schedule(time.Microsecond, "a", func() { order = append(order, "a") })
	s.Schedule(time.Microsecond, "b", func() { order = append(order, "b") })
	s.Schedule(0, "now", func() { order = append(order, "now") })

	s.Run()

	assert.Equal(t, []string{"now", "a", "b", "late"}, order)
	assert.Equal(t, 10*time.Microsecond, s.Now())
	assert.Equal(t, uint64(4), s.Executed())
}

func TestScheduler_SameInstantFromInsideTask(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	var order []int

	s.Schedule(time.Microsecond, "first", func() {
		order = append(order, 1)
		s.Schedule(0, "nested", func() { order = append(order, 3) })
	})
	s.Schedule(time.Microsecond, "second", func() { order = append(order, 2) })

	s.Run()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	ran := false

	task := s.Schedule(time.Millisecond, "cancel-me", func() { ran = true })
	require.True(t, task.Active())
	assert.Equal(t, 1, s.Pending())

	task.Cancel()
	assert.False(t, task.Active())
	assert.Equal(t, 0, s.Pending())

	s.Run()
	assert.False(t, ran)
	assert.Equal(t, time.Duration(0), s.Now(), "cancelled tasks do not advance time")

	var nilTask *Task
	nilTask.Cancel()
	assert.False(t, nilTask.Active())
}

func TestScheduler_RunUntil(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	count := 0
	for i := 1; i <= 5; i++ {
		s.Schedule(time.Duration(i)*time.Microsecond, "n", func() { count++ })
	}

	s.RunUntil(3 * time.Microsecond)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3*time.Microsecond, s.Now())
	assert.Equal(t, 2, s.Pending())

	s.RunFor(10 * time.Microsecond)
	assert.Equal(t, 5, count)
	assert.Equal(t, 13*time.Microsecond, s.Now())
}

func TestScheduler_NegativeDelay(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	s.RunUntil(5 * time.Microsecond)
	task := s.Schedule(-time.Second, "past", func() {})
	assert.Equal(t, 5*time.Microsecond, task.At())
	assert.Equal(t, "past", task.Name())
	assert.True(t, s.Step())
	assert.False(t, s.Step())
	assert.False(t, task.Active())
}
