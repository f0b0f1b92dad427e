package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) AddSession(spec string, database []byte, parent *ID) (ID, ResponseQueue, error) {
	args := m.Called(spec, database, parent)
	q, _ := args.Get(1).(ResponseQueue)
	return args.Get(0).(ID), q, args.Error(2)
}

func (m *mockEngine) RemoveSession(id ID) error {
	return m.Called(id).Error(0)
}

func (m *mockEngine) Enqueue(id ID, payload string) error {
	return m.Called(id, payload).Error(0)
}

type nopQueue struct{}

func (nopQueue) Next(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestHandle_CreateSession(t *testing.T) {
	m := new(mockEngine)
	parent := ID(1)
	m.On("AddSession", "spec", []byte("db"), &parent).Return(ID(2), nopQueue{}, nil).Once()

	h := NewHandle(m)
	id, q, err := h.CreateSession("spec", []byte("db"), &parent)

	require.NoError(t, err)
	assert.Equal(t, ID(2), id)
	assert.NotNil(t, q)
	m.AssertExpectations(t)
}

func TestHandle_CreateSessionWrapsEngineError(t *testing.T) {
	m := new(mockEngine)
	m.On("AddSession", "bad", []byte(nil), (*ID)(nil)).Return(ID(0), nil, ErrInvalidSpec).Once()

	h := NewHandle(m)
	_, _, err := h.CreateSession("bad", nil, nil)

	assert.ErrorIs(t, err, ErrInvalidSpec)
	m.AssertExpectations(t)
}

func TestHandle_DestroySessionSwallowsEngineError(t *testing.T) {
	m := new(mockEngine)
	m.On("RemoveSession", ID(7)).Return(ErrUnknownID).Once()

	h := NewHandle(m)
	h.DestroySession(7)

	m.AssertNumberOfCalls(t, "RemoveSession", 1)
}

func TestHandle_Enqueue(t *testing.T) {
	m := new(mockEngine)
	m.On("Enqueue", ID(3), "ok").Return(nil).Once()
	m.On("Enqueue", ID(3), "full").Return(ErrClogged).Once()

	h := NewHandle(m)
	assert.NoError(t, h.Enqueue(3, "ok"))

	err := h.Enqueue(3, "full")
	assert.ErrorIs(t, err, ErrClogged)
	assert.Contains(t, err.Error(), "session 3")
	m.AssertExpectations(t)
}

// serialEngine fails the test if two calls ever overlap.
type serialEngine struct {
	active  int32
	overlap int32
	calls   int32
}

func (s *serialEngine) enter() {
	if atomic.AddInt32(&s.active, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	atomic.AddInt32(&s.calls, 1)
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&s.active, -1)
}

func (s *serialEngine) AddSession(string, []byte, *ID) (ID, ResponseQueue, error) {
	s.enter()
	return ID(atomic.LoadInt32(&s.calls)), nopQueue{}, nil
}

func (s *serialEngine) RemoveSession(ID) error { s.enter(); return nil }

func (s *serialEngine) Enqueue(ID, string) error { s.enter(); return errors.New("refused") }

func TestHandle_SerializesEngineCalls(t *testing.T) {
	e := &serialEngine{}
	h := NewHandle(e)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _, _, _ = h.CreateSession("s", nil, nil) }()
		go func() { defer wg.Done(); _ = h.Enqueue(1, "p") }()
		go func() { defer wg.Done(); h.DestroySession(1) }()
	}
	wg.Wait()

	assert.Equal(t, int32(30), atomic.LoadInt32(&e.calls))
	assert.Zero(t, atomic.LoadInt32(&e.overlap), "engine calls overlapped")
}
