package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestRun_ShutsDownInOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	gs := New(Config{Server: &http.Server{Handler: handler}, Logger: zaptest.NewLogger(t)})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	gs.AddFunc("sync passes", record("sync passes"))
	gs.AddFunc("failing", func(context.Context) error { return errors.New("boom") })
	gs.AddFunc("redis", record("redis"))
	gs.AddFunc("database", record("database"))

	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- gs.Run(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"sync passes", "redis", "database"}, order)

	_, err := http.Get("http://" + ln.Addr().String())
	assert.Error(t, err)
}

func TestRun_ServeError(t *testing.T) {
	gs := New(Config{Server: &http.Server{}, Logger: zaptest.NewLogger(t)})
	ran := false
	gs.AddFunc("step", func(context.Context) error { ran = true; return nil })

	ln := listen(t)
	ln.Close()

	assert.Error(t, gs.Run(context.Background(), ln))
	assert.True(t, ran)
}

func TestShutdown_Once(t *testing.T) {
	gs := New(Config{Logger: zaptest.NewLogger(t)})
	calls := 0
	gs.AddFunc("count", func(context.Context) error { calls++; return nil })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gs.Shutdown()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestWaitFunc(t *testing.T) {
	release := make(chan struct{})
	step := WaitFunc("passes", func() { <-release })
	assert.Equal(t, "passes", step.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, step.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, step.Shutdown(context.Background()))
}

func TestCloseFunc(t *testing.T) {
	assert.NoError(t, CloseFunc("ok", closer{}).Shutdown(context.Background()))
	assert.EqualError(t, CloseFunc("bad", closer{errors.New("closed twice")}).Shutdown(context.Background()), "closed twice")
}
