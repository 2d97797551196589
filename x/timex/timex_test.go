package timex

import (
	"testing"
	"time"
)

func TestFrameTime(t *testing.T) {
	if d := FrameTime(9600, 10); d != 1041666*time.Nanosecond {
		t.Fatalf("9600 8N1 = %v", d)
	}
	if d := FrameTime(115200, 10); d != 86805*time.Nanosecond {
		t.Fatalf("115200 8N1 = %v", d)
	}
	if FrameTime(0, 10) != 10*time.Second {
		t.Fatal("zero baud")
	}
}

func TestResetTimerDrainsStaleFire(t *testing.T) {
	tm := time.NewTimer(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	ResetTimer(tm, time.Hour)
	select {
	case <-tm.C:
		t.Fatal("stale tick survived reset")
	default:
	}
}
