package kernel

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFaultState(t *testing.T) {
	t.Helper()
	reset := func() {
		faultOnce = sync.Once{}
		faultActive.Store(false)
		SetFaultHandler(nil)
	}
	reset()
	t.Cleanup(reset)
}

func TestFaultHandlerRunsOnce(t *testing.T) {
	resetFaultState(t)
	var got []FaultInfo
	SetFaultHandler(func(info FaultInfo) { got = append(got, info) })

	k, _ := newTestKernel(t)
	assert.False(t, InFaultMode())
	assert.Panics(t, func() { k.DelayCurrentTask(1) })
	assert.Panics(t, func() { k.StartTask(nil) })

	require.Len(t, got, 1)
	assert.Equal(t, Fault{Op: "DelayCurrentTask", Reason: "idle task cannot sleep", Task: "idle"}, got[0].Fault)
	assert.NotEmpty(t, got[0].Stack)
	assert.True(t, InFaultMode())
}

func TestFaultIsAnError(t *testing.T) {
	resetFaultState(t)

	var err error
	func() {
		defer func() { err, _ = recover().(error) }()
		New(nil)
	}()

	var f Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "New", f.Op)
	assert.Equal(t, "kernel: New: nil port", err.Error())
}
