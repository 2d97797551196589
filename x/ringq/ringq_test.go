package ringq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uartbridge-go/errcode"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		q, err := New(c)
		require.Nil(t, q)
		require.ErrorIs(t, err, errcode.ResourceExhausted, "New(%d)", c)
	}
}

func TestOrderAcrossWrapWithOddCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3, 7, 10} {
		q, err := New(capacity)
		require.NoError(t, err)
		const N = 1000
		var got []byte
		next := 0
		for len(got) < N {
			// producer step: up to 2 bytes, partial when full
			for k := 0; k < 2 && next < N; k++ {
				ok, _ := q.TryPushFromISR(byte(next))
				if !ok {
					break
				}
				next++
			}
			if b, ok := q.TryPop(); ok {
				got = append(got, b)
			}
		}
		for i := range got {
			require.Equal(t, byte(i), got[i], "cap=%d index %d", capacity, i)
		}
	}
}

func TestCapacityIsExact(t *testing.T) {
	q, _ := New(5)
	for i := 0; i < 5; i++ {
		require.True(t, q.TryPush(byte(i)), "push %d", i)
	}
	require.False(t, q.TryPush(9), "push beyond capacity")
	require.Equal(t, 5, q.Len())
	require.Zero(t, q.Space())
	require.Equal(t, 5, q.Cap())
}

func TestISRReportsEdgesWithoutSignalling(t *testing.T) {
	q, _ := New(2)

	ok, wake := q.TryPushFromISR(1)
	require.True(t, ok)
	require.True(t, wake, "empty->non-empty edge")
	ok, wake = q.TryPushFromISR(2)
	require.True(t, ok)
	require.False(t, wake)
	select {
	case <-q.Readable():
		t.Fatal("ISR push must not signal")
	default:
	}

	q.WakeReaders()
	q.WakeReaders() // coalesced
	<-q.Readable()
	select {
	case <-q.Readable():
		t.Fatal("unexpected extra Readable")
	default:
	}

	_, ok, wake = q.TryPopFromISR()
	require.True(t, ok)
	require.True(t, wake, "full->non-full edge")
	_, ok, wake = q.TryPopFromISR()
	require.True(t, ok)
	require.False(t, wake)
	_, ok, _ = q.TryPopFromISR()
	require.False(t, ok, "pop from empty")
}

func TestPopBlocksUntilData(t *testing.T) {
	q, _ := New(4)
	done := make(chan byte, 1)
	go func() {
		b, err := q.Pop(context.Background())
		if err == nil {
			done <- b
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if ok, wake := q.TryPushFromISR(0x42); ok && wake {
		q.WakeReaders()
	}
	select {
	case b := <-done:
		require.Equal(t, byte(0x42), b)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}
}

func TestPushHonoursContext(t *testing.T) {
	q, _ := New(1)
	q.TryPush(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Push(ctx, 2), context.DeadlineExceeded)
	require.Equal(t, 1, q.Len(), "timed-out push had a side effect")
}

func TestBatonWakesSecondReader(t *testing.T) {
	q, _ := New(8)
	got := make(chan byte, 2)
	for i := 0; i < 2; i++ {
		go func() {
			b, err := q.Pop(context.Background())
			if err == nil {
				got <- b
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	// Two bytes, one coalesced wake.
	q.TryPushFromISR(1)
	q.TryPushFromISR(2)
	q.WakeReaders()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("reader %d never woke", i)
		}
	}
}

func TestTryPopInto(t *testing.T) {
	q, _ := New(3)
	q.TryPush(1)
	q.TryPush(2)
	q.TryPush(3)
	<-q.Readable()

	dst := make([]byte, 2)
	require.Equal(t, 2, q.TryPopInto(dst))
	require.Equal(t, []byte{1, 2}, dst)
	select {
	case <-q.Writable():
	default:
		t.Fatal("expected Writable after draining a full queue")
	}
	select {
	case <-q.Readable():
	default:
		t.Fatal("expected readable baton while data remains")
	}
}
