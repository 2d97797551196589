package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// FrameTime is how long one character of bits bit-times occupies the line
// at baud. baud==0 is coerced to 1.
func FrameTime(baud uint32, bits int) time.Duration {
	if baud == 0 {
		baud = 1
	}
	return time.Duration(int64(bits) * int64(time.Second) / int64(baud))
}

// Ms converts a millisecond count from configuration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
