package neon_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nradulovic/neon-kernel-sub000"
)

func TestRegistrySnapshot(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var worker, helper neon.Thread

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&worker, func(any) {
			rec.add(`worker ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 7)
		k.ThreadInit(&helper, func(any) {
			rec.add(`helper ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
		k.ThreadSetName(&worker, `worker`)
		k.ThreadSetName(&helper, `helper`)
	}, neon.WithRegistry(true))

	require.Eventually(t, func() bool {
		return rec.has(`worker ran`) && rec.has(`helper ran`)
	}, waitFor, pollTick)

	want := []neon.ThreadInfo{
		{Name: `ktimer`, Priority: 31},
		{Name: `worker`, Priority: 7},
		{Name: `helper`, Priority: 5},
		{Name: `idle`, Priority: 0},
	}
	if diff := cmp.Diff(want, k.Threads()); diff != `` {
		t.Fatalf(`unexpected registry snapshot (-want +got):%s`, diff)
	}
}

func TestRegistryDropsTerminatedThreads(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var short, long neon.Thread

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&long, func(any) {
			rec.add(`long ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
		k.ThreadInit(&short, func(any) {
			rec.add(`short ran`)
		}, nil, make([]byte, neon.MinStackSize), 9)
		k.ThreadSetName(&short, `short`)
		k.ThreadSetName(&long, `long`)
	}, neon.WithRegistry(true))

	require.Eventually(t, func() bool {
		return rec.has(`short ran`) && rec.has(`long ran`)
	}, waitFor, pollTick)

	require.Eventually(t, func() bool {
		for _, info := range k.Threads() {
			if info.Name == `short` {
				return false
			}
		}
		return true
	}, waitFor, pollTick)

	want := []neon.ThreadInfo{
		{Name: `ktimer`, Priority: 31},
		{Name: `long`, Priority: 5},
		{Name: `idle`, Priority: 0},
	}
	if diff := cmp.Diff(want, k.Threads()); diff != `` {
		t.Fatalf(`unexpected registry snapshot (-want +got):%s`, diff)
	}
}

func TestRegistryDisabledByDefault(t *testing.T) {
	k, _ := startSystem(t, nil)
	require.Nil(t, k.Threads())
}
