package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/harun/lightmux/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	relaySpec = `{"name":"Polkadot","id":"polkadot","chainType":"Live","bootNodes":["/dns/boot.example/tcp/30333"],"genesis":{"raw":{"top":{}}}}`
	paraSpec  = `{"name":"Asset Hub","id":"asset-hub","relay_chain":"polkadot","para_id":1000}`
)

func next(t *testing.T, q engine.ResponseQueue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := q.Next(ctx)
	require.NoError(t, err)
	return resp
}

func TestEngine_AddSession(t *testing.T) {
	t.Run("accepts a valid spec", func(t *testing.T) {
		e := New(DefaultConfig())
		id, q, err := e.AddSession(relaySpec, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.ID(1), id)
		assert.NotNil(t, q)
		assert.Equal(t, 1, e.SessionCount())
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		e := New(DefaultConfig())
		_, _, err := e.AddSession("{not json", nil, nil)
		assert.ErrorIs(t, err, engine.ErrInvalidSpec)
	})

	t.Run("rejects spec missing required fields", func(t *testing.T) {
		e := New(DefaultConfig())
		_, _, err := e.AddSession(`{"name":"x"}`, nil, nil)
		assert.ErrorIs(t, err, engine.ErrInvalidSpec)
		assert.Contains(t, err.Error(), "id")
	})

	t.Run("parachain without parent is rejected", func(t *testing.T) {
		e := New(DefaultConfig())
		_, _, err := e.AddSession(paraSpec, nil, nil)
		assert.ErrorIs(t, err, engine.ErrMissingParent)
	})

	t.Run("parachain with live parent", func(t *testing.T) {
		e := New(DefaultConfig())
		relay, _, err := e.AddSession(relaySpec, nil, nil)
		require.NoError(t, err)

		para, _, err := e.AddSession(paraSpec, nil, &relay)
		require.NoError(t, err)

		parent, ok := e.Parent(para)
		assert.True(t, ok)
		assert.Equal(t, relay, parent)
	})

	t.Run("unknown parent is rejected", func(t *testing.T) {
		e := New(DefaultConfig())
		ghost := engine.ID(42)
		_, _, err := e.AddSession(paraSpec, nil, &ghost)
		assert.ErrorIs(t, err, engine.ErrMissingParent)
	})

	t.Run("session limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxSessions = 1
		e := New(cfg)
		_, _, err := e.AddSession(relaySpec, nil, nil)
		require.NoError(t, err)
		_, _, err = e.AddSession(relaySpec, nil, nil)
		assert.ErrorIs(t, err, engine.ErrResourceLimit)
	})

	t.Run("ids are not reused", func(t *testing.T) {
		e := New(DefaultConfig())
		first, _, err := e.AddSession(relaySpec, nil, nil)
		require.NoError(t, err)
		require.NoError(t, e.RemoveSession(first))

		second, _, err := e.AddSession(relaySpec, nil, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})
}

func TestEngine_Enqueue(t *testing.T) {
	e := New(DefaultConfig())
	id, q, err := e.AddSession(relaySpec, []byte("db-blob"), nil)
	require.NoError(t, err)

	t.Run("system_name", func(t *testing.T) {
		require.NoError(t, e.Enqueue(id, `{"jsonrpc":"2.0","id":1,"method":"system_name"}`))
		resp := next(t, q)
		assert.Equal(t, int64(1), gjson.Get(resp, "id").Int())
		assert.Equal(t, "lightmux", gjson.Get(resp, "result").String())
	})

	t.Run("string ids are echoed verbatim", func(t *testing.T) {
		require.NoError(t, e.Enqueue(id, `{"jsonrpc":"2.0","id":"abc","method":"system_chain"}`))
		resp := next(t, q)
		assert.Equal(t, "abc", gjson.Get(resp, "id").String())
		assert.Equal(t, "Polkadot", gjson.Get(resp, "result").String())
	})

	t.Run("database blob is passed through unchanged", func(t *testing.T) {
		require.NoError(t, e.Enqueue(id, `{"id":2,"method":"chainHead_unstable_finalizedDatabase"}`))
		resp := next(t, q)
		assert.Equal(t, "db-blob", gjson.Get(resp, "result").String())
	})

	t.Run("missing method yields an error response", func(t *testing.T) {
		require.NoError(t, e.Enqueue(id, `{"id":3}`))
		resp := next(t, q)
		assert.Equal(t, int64(codeInvalidRequest), gjson.Get(resp, "error.code").Int())
	})

	t.Run("unknown method yields an error response", func(t *testing.T) {
		require.NoError(t, e.Enqueue(id, `{"id":4,"method":"author_submitExtrinsic"}`))
		resp := next(t, q)
		assert.Equal(t, int64(codeMethodNotFound), gjson.Get(resp, "error.code").Int())
	})

	t.Run("non-JSON payload is refused", func(t *testing.T) {
		assert.ErrorIs(t, e.Enqueue(id, "hello"), engine.ErrInvalidRequest)
		assert.ErrorIs(t, e.Enqueue(id, "[1,2]"), engine.ErrInvalidRequest)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, e.Enqueue(999, `{"id":1}`), engine.ErrUnknownID)
	})
}

func TestEngine_Clogged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingResponses = 2
	e := New(cfg)
	id, q, err := e.AddSession(relaySpec, nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(id, `{"id":1,"method":"system_name"}`))
	require.NoError(t, e.Enqueue(id, `{"id":2,"method":"system_name"}`))
	assert.ErrorIs(t, e.Enqueue(id, `{"id":3,"method":"system_name"}`), engine.ErrClogged)
	assert.Equal(t, 2, e.Pending(id))

	next(t, q)
	assert.NoError(t, e.Enqueue(id, `{"id":3,"method":"system_name"}`))
}

func TestEngine_RemoveSessionClosesQueue(t *testing.T) {
	e := New(DefaultConfig())
	id, q, err := e.AddSession(relaySpec, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Notify(id, `{"method":"chainHead_follow_event"}`))

	done := make(chan error, 1)
	go func() {
		// drain the buffered notification, then block until the queue closes
		_, _ = q.Next(context.Background())
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.RemoveSession(id))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, engine.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe queue closure")
	}

	assert.ErrorIs(t, e.RemoveSession(id), engine.ErrUnknownID)
	assert.ErrorIs(t, e.Notify(id, "x"), engine.ErrUnknownID)
}

func TestResponseQueue_NextHonoursContext(t *testing.T) {
	q := newResponseQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseQueue_PreservesOrder(t *testing.T) {
	q := newResponseQueue(0)
	for _, item := range []string{"r1", "r2", "r3"} {
		require.NoError(t, q.push(item))
	}

	assert.Equal(t, "r1", next(t, q))
	assert.Equal(t, "r2", next(t, q))
	assert.Equal(t, "r3", next(t, q))
}
