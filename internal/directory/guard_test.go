package directory

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_SingleFlightPerTarget(t *testing.T) {
	g := NewGuard()

	assert.True(t, g.TryAcquire("keycloak"))
	assert.False(t, g.TryAcquire("keycloak"))
	assert.True(t, g.Running("keycloak"))

	// targets are independent
	assert.True(t, g.TryAcquire("ldap"))

	g.Release("keycloak")
	assert.False(t, g.Running("keycloak"))
	assert.True(t, g.TryAcquire("keycloak"))
}

func TestGuard_ConcurrentAcquireAdmitsOne(t *testing.T) {
	g := NewGuard()
	var admitted atomic.Int32
	var wg sync.WaitGroup

	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire("keycloak") {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
