package graceful

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_DrainRunsComponentsInRegisteredOrder(t *testing.T) {
	c := NewCoordinator(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.Register("ingress", record("ingress"))
	c.Register("hub", record("hub"))
	c.Register("store", record("store"))

	c.Drain()

	assert.Equal(t, []string{"ingress", "hub", "store"}, order)
}

func TestCoordinator_DrainContinuesAfterComponentError(t *testing.T) {
	c := NewCoordinator(time.Second)

	var ranSecond bool
	var reportedErrs []string
	c.OnError(func(component string, err error) {
		reportedErrs = append(reportedErrs, component)
	})

	c.Register("broken", func(ctx context.Context) error {
		return assertErr
	})
	c.Register("fine", func(ctx context.Context) error {
		ranSecond = true
		return nil
	})

	c.Drain()

	assert.True(t, ranSecond)
	assert.Equal(t, []string{"broken"}, reportedErrs)
}

func TestCoordinator_DrainPropagatesDeadlineToComponents(t *testing.T) {
	c := NewCoordinator(10 * time.Millisecond)

	var sawDeadline bool
	c.Register("slow", func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})

	c.Drain()

	assert.True(t, sawDeadline)
}

var assertErr = &testError{"broken component"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
