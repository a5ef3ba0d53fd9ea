package msr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/msr/msrtest"
)

func TestPinAndRelease(t *testing.T) {
	port := msrtest.New(4)

	release, err := msr.Pin(port, 2)
	require.NoError(t, err)
	require.Equal(t, 2, port.Pinned())

	require.NoError(t, release())
	require.Equal(t, -1, port.Pinned())

	_, err = msr.Pin(port, 64)
	require.Error(t, err)
	_, err = msr.Pin(port, -1)
	require.Error(t, err)
}

func TestPinFailureLeavesNothingPinned(t *testing.T) {
	port := msrtest.New(2)
	port.FailPin(1, msr.ErrAccessDenied)

	_, err := msr.Pin(port, 1)
	require.ErrorIs(t, err, msr.ErrAccessDenied)
	require.Equal(t, -1, port.Pinned())
}

func TestReadAndClear(t *testing.T) {
	port := msrtest.New(1)
	port.Set(0, 0xC0010201, 777)

	release, err := msr.Pin(port, 0)
	require.NoError(t, err)
	defer release()

	v, err := msr.ReadAndClear(port, 0xC0010201)
	require.NoError(t, err)
	require.Equal(t, uint64(777), v)
	require.Equal(t, uint64(0), port.Get(0, 0xC0010201))

	port.FailRead(0, 0xC0010203, msr.ErrUnsupportedRegister)
	_, err = msr.ReadAndClear(port, 0xC0010203)
	require.ErrorIs(t, err, msr.ErrUnsupportedRegister)
}

func TestUnpinnedAccess(t *testing.T) {
	port := msrtest.New(1)
	_, err := port.ReadRegister(0x10)
	require.ErrorIs(t, err, msr.ErrNotPinned)
}

func TestIsFatal(t *testing.T) {
	require.True(t, msr.IsFatal(fmt.Errorf("thread 3: %w", msr.ErrAccessDenied)))
	require.True(t, msr.IsFatal(msr.ErrDriverMissing))
	require.True(t, msr.IsFatal(msr.ErrUnsupportedRegister))
	require.False(t, msr.IsFatal(msr.ErrNotPinned))
	require.False(t, msr.IsFatal(errors.New("transient")))
}
