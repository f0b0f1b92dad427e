package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/lightmux/pkg/engine"
	"github.com/harun/lightmux/pkg/engine/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	relaySpec = `{"name":"Polkadot","id":"polkadot","chainType":"Live"}`
	paraSpec  = `{"name":"Asset Hub","id":"asset-hub","relay_chain":"polkadot","para_id":1000}`
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *loopback.Engine) {
	t.Helper()
	eng := loopback.New(loopback.DefaultConfig())
	mgr := NewManager(opts...)
	mgr.Initialize(eng)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, eng
}

func engineID(t *testing.T, mgr *Manager, name string) engine.ID {
	t.Helper()
	for _, info := range mgr.List() {
		if info.Name == name {
			return info.EngineID
		}
	}
	t.Fatalf("session %q not listed", name)
	return 0
}

func receive(t *testing.T, sink <-chan string) string {
	t.Helper()
	select {
	case item := <-sink:
		return item
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a response")
		return ""
	}
}

func assertSilent(t *testing.T, sink <-chan string, wait time.Duration) {
	t.Helper()
	select {
	case item := <-sink:
		t.Fatalf("unexpected response delivered: %s", item)
	case <-time.After(wait):
	}
}

func rpc(id int, method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
}

func TestManager_Initialize(t *testing.T) {
	t.Run("second initialize panics", func(t *testing.T) {
		mgr := NewManager()
		mgr.Initialize(loopback.New(loopback.DefaultConfig()))
		assert.Panics(t, func() { mgr.Initialize(loopback.New(loopback.DefaultConfig())) })
	})

	t.Run("operations before initialize panic", func(t *testing.T) {
		mgr := NewManager()
		ctx := context.Background()
		assert.Panics(t, func() { _ = mgr.Start(ctx, "a", relaySpec, nil, "") })
		assert.Panics(t, func() { _ = mgr.Stop(ctx, "a") })
		assert.Panics(t, func() { _ = mgr.Send(ctx, "a", "{}") })
		assert.Panics(t, func() { _ = mgr.Listen(ctx, "a", make(chan string)) })
	})

	t.Run("nil engine panics", func(t *testing.T) {
		assert.Panics(t, func() { NewManager().Initialize(nil) })
	})
}

func TestManager_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate name is rejected and first session is untouched", func(t *testing.T) {
		mgr, eng := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		first := engineID(t, mgr, "relay")

		err := mgr.Start(ctx, "relay", relaySpec, nil, "")
		assert.ErrorIs(t, err, ErrAlreadyActive)
		assert.Contains(t, err.Error(), `"relay"`)

		assert.Equal(t, first, engineID(t, mgr, "relay"))
		assert.Equal(t, 1, eng.SessionCount())
	})

	t.Run("empty name", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		assert.ErrorIs(t, mgr.Start(ctx, "", relaySpec, nil, ""), ErrInvalidName)
	})

	t.Run("engine rejection frees the name", func(t *testing.T) {
		mgr, eng := newTestManager(t)

		err := mgr.Start(ctx, "broken", `{"name":"no id"}`, nil, "")
		assert.ErrorIs(t, err, ErrEngineRejected)
		assert.ErrorIs(t, err, engine.ErrInvalidSpec)
		assert.False(t, mgr.Has("broken"))
		assert.Zero(t, eng.SessionCount())

		require.NoError(t, mgr.Start(ctx, "broken", relaySpec, nil, ""))
	})

	t.Run("unknown parent is an error, not a silent fallback", func(t *testing.T) {
		mgr, eng := newTestManager(t)

		err := mgr.Start(ctx, "para", paraSpec, nil, "relay")
		assert.ErrorIs(t, err, ErrUnknownSession)
		assert.Contains(t, err.Error(), `parent "relay"`)
		assert.False(t, mgr.Has("para"))
		assert.Zero(t, eng.SessionCount())
	})

	t.Run("parachain without parent is rejected by the engine", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		err := mgr.Start(ctx, "para", paraSpec, nil, "")
		assert.ErrorIs(t, err, ErrEngineRejected)
		assert.ErrorIs(t, err, engine.ErrMissingParent)
	})

	t.Run("concurrent starts of distinct names all succeed", func(t *testing.T) {
		mgr, eng := newTestManager(t)

		const n = 32
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- mgr.Start(ctx, fmt.Sprintf("chain-%02d", i), relaySpec, nil, "")
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}

		infos := mgr.List()
		require.Len(t, infos, n)
		seen := make(map[engine.ID]bool)
		for _, info := range infos {
			assert.False(t, seen[info.EngineID], "engine id %s issued twice", info.EngineID)
			seen[info.EngineID] = true
		}
		assert.Equal(t, n, eng.SessionCount())
	})

	t.Run("concurrent starts of the same name admit exactly one", func(t *testing.T) {
		mgr, eng := newTestManager(t)

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- mgr.Start(ctx, "same", relaySpec, nil, "")
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyActive)
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, eng.SessionCount())
	})
}

func TestManager_Listen(t *testing.T) {
	ctx := context.Background()

	t.Run("buffered responses are delivered in order, then live", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		for i := 1; i <= 3; i++ {
			require.NoError(t, mgr.Send(ctx, "relay", rpc(i, "system_name")))
		}

		sink := make(chan string, 8)
		require.NoError(t, mgr.Listen(ctx, "relay", sink))

		for i := 1; i <= 3; i++ {
			assert.Equal(t, int64(i), gjson.Get(receive(t, sink), "id").Int())
		}

		require.NoError(t, mgr.Send(ctx, "relay", rpc(4, "system_chain")))
		live := receive(t, sink)
		assert.Equal(t, int64(4), gjson.Get(live, "id").Int())
		assert.Equal(t, "Polkadot", gjson.Get(live, "result").String())
	})

	t.Run("second listener receives nothing", func(t *testing.T) {
		mgr, eng := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		sinkA := make(chan string, 8)
		sinkB := make(chan string, 8)
		require.NoError(t, mgr.Listen(ctx, "relay", sinkA))
		require.NoError(t, mgr.Listen(ctx, "relay", sinkB))

		id := engineID(t, mgr, "relay")
		for i := 0; i < 3; i++ {
			require.NoError(t, eng.Notify(id, fmt.Sprintf(`{"n":%d}`, i)))
		}
		for i := 0; i < 3; i++ {
			assert.Equal(t, int64(i), gjson.Get(receive(t, sinkA), "n").Int())
		}
		assertSilent(t, sinkB, 50*time.Millisecond)
	})

	t.Run("strict mode reports the second listener", func(t *testing.T) {
		mgr, _ := newTestManager(t, WithStrictListen())
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		require.NoError(t, mgr.Listen(ctx, "relay", make(chan string, 1)))
		assert.ErrorIs(t, mgr.Listen(ctx, "relay", make(chan string, 1)), ErrAlreadyListening)
	})

	t.Run("unknown session", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		assert.ErrorIs(t, mgr.Listen(ctx, "ghost", make(chan string)), ErrUnknownSession)
	})

	t.Run("ListenID reports the connected incarnation", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		first := engineID(t, mgr, "relay")

		id, err := mgr.ListenID(ctx, "relay", make(chan string, 1))
		require.NoError(t, err)
		assert.Equal(t, first, id)

		// ignored second listener
		id, err = mgr.ListenID(ctx, "relay", make(chan string, 1))
		require.NoError(t, err)
		assert.Zero(t, id)

		require.NoError(t, mgr.Stop(ctx, "relay"))
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		second := engineID(t, mgr, "relay")
		require.NotEqual(t, first, second)

		id, err = mgr.ListenID(ctx, "relay", make(chan string, 1))
		require.NoError(t, err)
		assert.Equal(t, second, id)

		_, err = mgr.ListenID(ctx, "ghost", make(chan string, 1))
		assert.ErrorIs(t, err, ErrUnknownSession)
	})

	t.Run("nil sink", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		assert.ErrorIs(t, mgr.Listen(ctx, "relay", nil), ErrNilSink)
	})

	t.Run("cancelling the listen context does not end forwarding", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		listenCtx, cancel := context.WithCancel(ctx)
		sink := make(chan string, 4)
		require.NoError(t, mgr.Listen(listenCtx, "relay", sink))
		cancel()

		require.NoError(t, mgr.Send(ctx, "relay", rpc(1, "system_name")))
		assert.Equal(t, int64(1), gjson.Get(receive(t, sink), "id").Int())
	})

	t.Run("list reports listening state", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		require.NoError(t, mgr.Start(ctx, "other", relaySpec, nil, ""))
		require.NoError(t, mgr.Listen(ctx, "relay", make(chan string, 1)))

		infos := mgr.List()
		require.Len(t, infos, 2)
		assert.Equal(t, "other", infos[0].Name)
		assert.False(t, infos[0].Listening)
		assert.Equal(t, "relay", infos[1].Name)
		assert.True(t, infos[1].Listening)
	})
}

func TestManager_Stop(t *testing.T) {
	ctx := context.Background()

	t.Run("no response reaches the sink after stop returns", func(t *testing.T) {
		mgr, eng := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		// Unbuffered and unread: the forwarder blocks holding a response in hand.
		sink := make(chan string)
		require.NoError(t, mgr.Listen(ctx, "relay", sink))
		id := engineID(t, mgr, "relay")
		for i := 0; i < 5; i++ {
			require.NoError(t, eng.Notify(id, fmt.Sprintf(`{"n":%d}`, i)))
		}
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, mgr.Stop(ctx, "relay"))
		assertSilent(t, sink, 50*time.Millisecond)
	})

	t.Run("in-flight responses stop at the stop boundary", func(t *testing.T) {
		mgr, eng := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		sink := make(chan string, 64)
		require.NoError(t, mgr.Listen(ctx, "relay", sink))
		id := engineID(t, mgr, "relay")

		go func() {
			for i := 0; i < 100; i++ {
				if eng.Notify(id, fmt.Sprintf(`{"n":%d}`, i)) != nil {
					return
				}
			}
		}()
		time.Sleep(time.Millisecond)

		require.NoError(t, mgr.Stop(ctx, "relay"))
		delivered := len(sink)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, delivered, len(sink))
	})

	t.Run("stop before listen releases the queue", func(t *testing.T) {
		mgr, eng := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		require.NoError(t, mgr.Send(ctx, "relay", rpc(1, "system_name")))

		require.NoError(t, mgr.Stop(ctx, "relay"))
		assert.Zero(t, eng.SessionCount())
		assert.False(t, mgr.Has("relay"))
	})

	t.Run("stop of unknown session", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		assert.ErrorIs(t, mgr.Stop(ctx, "ghost"), ErrUnknownSession)
	})

	t.Run("name can be reused after stop", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		first := engineID(t, mgr, "relay")
		require.NoError(t, mgr.Stop(ctx, "relay"))

		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		assert.NotEqual(t, first, engineID(t, mgr, "relay"))

		sink := make(chan string, 1)
		require.NoError(t, mgr.Listen(ctx, "relay", sink))
		require.NoError(t, mgr.Send(ctx, "relay", rpc(9, "system_name")))
		assert.Equal(t, int64(9), gjson.Get(receive(t, sink), "id").Int())
	})

	t.Run("concurrent stops of one name succeed once", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- mgr.Stop(ctx, "relay")
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrUnknownSession)
		}
		assert.Equal(t, 1, succeeded)
	})
}

type countingEngine struct {
	mock.Mock
}

func (c *countingEngine) AddSession(spec string, database []byte, parent *engine.ID) (engine.ID, engine.ResponseQueue, error) {
	args := c.Called(spec, database, parent)
	q, _ := args.Get(1).(engine.ResponseQueue)
	return args.Get(0).(engine.ID), q, args.Error(2)
}

func (c *countingEngine) RemoveSession(id engine.ID) error {
	return c.Called(id).Error(0)
}

func (c *countingEngine) Enqueue(id engine.ID, payload string) error {
	return c.Called(id, payload).Error(0)
}

type idleQueue struct{}

func (idleQueue) Next(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestManager_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session has no engine side effect", func(t *testing.T) {
		eng := new(countingEngine)
		mgr := NewManager()
		mgr.Initialize(eng)

		err := mgr.Send(ctx, "ghost", `{"id":1}`)
		assert.ErrorIs(t, err, ErrUnknownSession)
		assert.Contains(t, err.Error(), `"ghost"`)
		eng.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		eng.AssertNumberOfCalls(t, "Enqueue", 0)
	})

	t.Run("known session reaches the engine once", func(t *testing.T) {
		eng := new(countingEngine)
		eng.On("AddSession", relaySpec, []byte(nil), (*engine.ID)(nil)).Return(engine.ID(5), idleQueue{}, nil).Once()
		eng.On("Enqueue", engine.ID(5), `{"id":1}`).Return(nil).Once()
		eng.On("RemoveSession", engine.ID(5)).Return(nil).Once()

		mgr := NewManager()
		mgr.Initialize(eng)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
		require.NoError(t, mgr.Send(ctx, "relay", `{"id":1}`))
		require.NoError(t, mgr.Stop(ctx, "relay"))

		eng.AssertExpectations(t)
	})

	t.Run("malformed payload is an engine rejection", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		err := mgr.Send(ctx, "relay", "not json")
		assert.ErrorIs(t, err, ErrEngineRejected)
		assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	})

	t.Run("clogged queue is an engine rejection", func(t *testing.T) {
		eng := loopback.New(loopback.Config{MaxPendingResponses: 1})
		mgr := NewManager()
		mgr.Initialize(eng)
		require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))

		require.NoError(t, mgr.Send(ctx, "relay", rpc(1, "system_name")))
		err := mgr.Send(ctx, "relay", rpc(2, "system_name"))
		assert.ErrorIs(t, err, ErrEngineRejected)
		assert.ErrorIs(t, err, engine.ErrClogged)
	})
}

func TestManager_ConcurrentOperations(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("chain-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				if err := mgr.Start(ctx, name, relaySpec, nil, ""); err != nil {
					t.Errorf("start %s: %v", name, err)
					return
				}
				sink := make(chan string, 4)
				var inner sync.WaitGroup
				inner.Add(2)
				go func() {
					defer inner.Done()
					_ = mgr.Listen(ctx, name, sink)
				}()
				go func() {
					defer inner.Done()
					for j := 0; j < 3; j++ {
						_ = mgr.Send(ctx, name, rpc(j, "system_name"))
					}
				}()
				inner.Wait()
				if err := mgr.Stop(ctx, name); err != nil {
					t.Errorf("stop %s: %v", name, err)
					return
				}
				_ = mgr.Send(ctx, name, rpc(99, "system_name"))
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, mgr.List())
}

func TestManager_Events(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	mgr.OnEvent(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
	require.NoError(t, mgr.Listen(ctx, "relay", make(chan string, 1)))
	require.NoError(t, mgr.Listen(ctx, "relay", make(chan string, 1)))
	require.NoError(t, mgr.Stop(ctx, "relay"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventListening, events[1].Type)
	assert.Equal(t, EventStopped, events[2].Type)
	for _, e := range events {
		assert.Equal(t, "relay", e.Session)
		assert.Equal(t, events[0].EngineID, e.EngineID)
	}
}

func TestManager_Shutdown(t *testing.T) {
	eng := loopback.New(loopback.DefaultConfig())
	mgr := NewManager()
	mgr.Initialize(eng)
	ctx := context.Background()

	require.NoError(t, mgr.Start(ctx, "relay", relaySpec, nil, ""))
	require.NoError(t, mgr.Start(ctx, "para", paraSpec, nil, "relay"))
	require.NoError(t, mgr.Listen(ctx, "para", make(chan string)))

	require.NoError(t, mgr.Shutdown(ctx))
	assert.Empty(t, mgr.List())
	assert.Zero(t, eng.SessionCount())

	assert.NoError(t, NewManager().Shutdown(ctx), "shutdown before initialize is a no-op")
}

func TestManager_EndToEnd(t *testing.T) {
	eng := loopback.New(loopback.DefaultConfig())
	mgr := NewManager()
	mgr.Initialize(eng)
	ctx := context.Background()

	require.NoError(t, mgr.Start(ctx, "relay", relaySpec, []byte(""), ""))
	e1 := engineID(t, mgr, "relay")

	require.NoError(t, mgr.Start(ctx, "para", paraSpec, []byte(""), "relay"))
	e2 := engineID(t, mgr, "para")
	assert.NotEqual(t, e1, e2)

	parent, ok := eng.Parent(e2)
	require.True(t, ok)
	assert.Equal(t, e1, parent)

	for _, info := range mgr.List() {
		if info.Name == "para" {
			assert.Equal(t, "relay", info.Parent)
			require.NotNil(t, info.ParentID)
			assert.Equal(t, e1, *info.ParentID)
		}
	}

	require.NoError(t, mgr.Send(ctx, "para", `{"id":1}`))
	require.NoError(t, mgr.Stop(ctx, "relay"))
	assert.True(t, mgr.Has("para"), "removing the parent does not invalidate the child")
	require.NoError(t, mgr.Stop(ctx, "para"))

	err := mgr.Stop(ctx, "para")
	assert.ErrorIs(t, err, ErrUnknownSession)

	var sessErr *Error
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, "stop", sessErr.Op)
	assert.Equal(t, "para", sessErr.Name)
}
