package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPullReceivesPushedChunksInOrder(t *testing.T) {
	m := New()
	h := m.NewHandle(KindIterator, "host")

	go func() {
		h.Push(Chunk{Data: []byte("a")})
		h.Push(Chunk{Data: []byte("b")})
		h.Push(Chunk{Data: []byte("c"), End: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []byte
	for {
		chunks, err := h.Pull(ctx, 1)
		require.NoError(t, err)
		for _, c := range chunks {
			got = append(got, c.Data...)
			if c.End {
				require.Equal(t, "abc", string(got))
				return
			}
		}
	}
}

func TestCancelDiscardsLateChunks(t *testing.T) {
	m := New()
	h := m.NewHandle(KindIterator, "host")
	h.Cancel("reader released")

	h.Push(Chunk{Data: []byte("late")})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := h.Pull(ctx, 1)
	require.Error(t, err)
}

func TestLockPreventsSecondReader(t *testing.T) {
	m := New()
	h := m.NewHandle(KindReadable, "sandbox")
	require.True(t, h.Lock())
	require.False(t, h.Lock())
	h.Unlock()
	require.True(t, h.Lock())
}

func TestTeeFansOutIndependently(t *testing.T) {
	m := New()
	src := m.NewHandle(KindReadable, "host")
	a, b := src.Tee(m)

	src.Fanout(Chunk{Data: []byte("x")})
	src.Fanout(Chunk{Data: []byte("y"), End: true})

	ctx := context.Background()
	gotA, err := a.Pull(ctx, 2)
	require.NoError(t, err)
	gotB, err := b.Pull(ctx, 2)
	require.NoError(t, err)
	require.Len(t, gotA, 2)
	require.Len(t, gotB, 2)
}

func TestIdentityTransformPassesChunksUnchanged(t *testing.T) {
	m := New()
	src := m.NewHandle(KindReadable, "host")
	out := IdentityTransform(m, src)

	go func() {
		src.Push(Chunk{Data: []byte("1")})
		src.Push(Chunk{Data: []byte("2")})
		src.Push(Chunk{Data: []byte("3"), End: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	for {
		chunks, err := out.Pull(ctx, 1)
		require.NoError(t, err)
		for _, c := range chunks {
			got = append(got, string(c.Data))
			if c.End {
				require.Equal(t, []string{"1", "2", "3"}, got)
				return
			}
		}
	}
}
