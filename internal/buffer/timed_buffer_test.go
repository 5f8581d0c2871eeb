package buffer

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedBuffer_FIFO(t *testing.T) {
	b := New[int](4)

	for i := 1; i <= 3; i++ {
		assert.False(t, b.Push(i))
	}

	for i := 1; i <= 3; i++ {
		v, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := b.Pop()
	assert.False(t, ok, "empty buffer must not block or return data")
}

func TestTimedBuffer_DropOldest(t *testing.T) {
	b := New[int](3)

	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(2), b.Dropped())

	v, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, v, "oldest items 1 and 2 must have been evicted")
}

// 任意 push/pop 序列下，长度不超过容量，丢弃计数精确等于溢出次数
func TestTimedBuffer_CapacityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, capacity := range []int{1, 2, 7, 300} {
		b := New[int](capacity)
		size := 0
		var expectedDrops uint64

		for step := 0; step < 5000; step++ {
			if rng.Intn(3) > 0 {
				if size == capacity {
					expectedDrops++
				} else {
					size++
				}
				b.Push(step)
			} else {
				if _, ok := b.Pop(); ok {
					size--
				}
			}

			require.LessOrEqual(t, b.Len(), capacity)
			require.Equal(t, size, b.Len())
		}

		assert.Equal(t, expectedDrops, b.Dropped(), "capacity %d", capacity)
	}
}

func TestTimedBuffer_Clear(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")

	assert.Equal(t, 2, b.Clear())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(0), b.Dropped(), "clear is not an overflow")

	b.Push("c")
	v, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestTimedBuffer_SpaceSignal(t *testing.T) {
	b := New[int](1)
	b.Push(1)

	select {
	case <-b.Space():
		t.Fatal("no space signal expected before pop")
	default:
	}

	b.Pop()

	select {
	case <-b.Space():
	default:
		t.Fatal("pop must signal space")
	}
}

func TestTimedBuffer_Stats(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Pop()

	s := b.Stats()
	assert.Equal(t, 1, s.Len)
	assert.Equal(t, 2, s.Cap)
	assert.Equal(t, uint64(3), s.Pushed)
	assert.Equal(t, uint64(1), s.Popped)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, 2, s.HighWater)
}

func TestTimedBuffer_Concurrent(t *testing.T) {
	b := New[int](16)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			b.Push(i)
		}
	}()

	popped := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			if _, ok := b.Pop(); ok {
				popped++
			}
		}
	}()
	wg.Wait()

	s := b.Stats()
	assert.Equal(t, uint64(10000), s.Pushed)
	assert.Equal(t, uint64(popped), s.Popped)
	assert.Equal(t, s.Pushed, s.Popped+s.Dropped+uint64(s.Len))
	assert.LessOrEqual(t, s.Len, 16)
}
