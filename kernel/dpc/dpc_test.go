package dpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel/cpu"
)

func TestQueueLocalRunsInFIFOOrder(t *testing.T) {
	cpu.Init(1)

	var order []int
	mk := func(i int) *Dpc {
		return &Dpc{Fn: func(arg interface{}) { order = append(order, arg.(int)) }, Arg: i}
	}

	QueueLocal(mk(1))
	QueueLocal(mk(2))
	QueueLocal(mk(3))

	DrainLocal()

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestDrainLocalObservesArrivalsQueuedDuringDrain(t *testing.T) {
	cpu.Init(1)

	var ran []string
	var second *Dpc
	first := &Dpc{Fn: func(arg interface{}) {
		ran = append(ran, "first")
		QueueLocal(second)
	}}
	second = &Dpc{Fn: func(arg interface{}) { ran = append(ran, "second") }}

	QueueLocal(first)
	DrainLocal()

	require.Equal(t, []string{"first", "second"}, ran)
}

func TestCancelPreventsExecution(t *testing.T) {
	cpu.Init(1)

	ran := false
	d := &Dpc{Fn: func(arg interface{}) { ran = true }}
	QueueLocal(d)
	require.True(t, Cancel(d))
	DrainLocal()
	require.False(t, ran)
}

func TestCancelAfterDrainFails(t *testing.T) {
	cpu.Init(1)

	d := &Dpc{Fn: func(arg interface{}) {}}
	QueueLocal(d)
	DrainLocal()
	require.False(t, Cancel(d))
}

func TestDrainLocalOnEmptyQueueIsNoop(t *testing.T) {
	cpu.Init(1)
	require.NotPanics(t, DrainLocal)
}
