package neon_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nradulovic/neon-kernel-sub000"
	"github.com/nradulovic/neon-kernel-sub000/simport"
)

// lockedBuffer serializes writes from kernel goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStructuredLogging(t *testing.T) {
	var buf lockedBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()

	var rec recorder
	var done neon.Sem
	var worker neon.Thread

	p := simport.New()
	k, err := neon.New(
		neon.WithPort(p),
		neon.WithLogger(logger),
		neon.WithPriorityLevels(16),
	)
	require.NoError(t, err)

	k.SemInit(&done, 0)
	k.ThreadInit(&worker, func(any) {
		rec.add(`worker ran`)
		_ = done.Wait()
	}, nil, make([]byte, neon.MinStackSize), 5)

	var g errgroup.Group
	g.Go(func() error { return k.Run(context.Background()) })
	require.Eventually(t, func() bool { return rec.has(`worker ran`) }, waitFor, pollTick)
	require.NoError(t, k.Shutdown(context.Background()))
	require.NoError(t, g.Wait())

	out := buf.String()
	for _, want := range [...]string{
		`kernel initialized`,
		`"priority_levels":16`,
		`thread initialized`,
		`kernel started`,
		`context switch`,
		`kernel terminated`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf(`log output missing %q`, want)
		}
	}
}
