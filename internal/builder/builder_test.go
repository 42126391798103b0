package builder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/internal/model"
)

func testBuilder() *Builder {
	return New(model.PlatformLinux, "registry.example.com/conan/gcc11:1.0", &Parameters{})
}

// The agent may tear a builder down while a phase goroutine has not
// observed the cancellation yet. A phase entered after Close must be a
// no-op instead of recreating resources on a closed builder.
func TestRunBuildAfterClose(t *testing.T) {
	b := testBuilder()
	b.Close()
	require.NoError(t, b.RunBuild(context.Background()))
	assert.Empty(t, b.Output)
}

func TestCancelThenClose(t *testing.T) {
	b := testBuilder()
	b.Cancel()
	b.Close()
	require.NoError(t, b.RunBuild(context.Background()))
}

func TestConcurrentCancelCloseAndDrain(t *testing.T) {
	b := testBuilder()
	b.logs <- "line before teardown"

	var wg sync.WaitGroup
	for _, fn := range []func(){
		b.Cancel,
		b.Close,
		func() { b.DrainLogs() },
	} {
		wg.Add(1)
		go func(f func()) {
			defer wg.Done()
			f()
		}(fn)
	}
	wg.Wait()

	require.NoError(t, b.RunBuild(context.Background()))
	assert.Empty(t, b.DrainLogs())
}
