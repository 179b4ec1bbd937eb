// Package resample turns the collector's irregular, PLL-timestamped
// sample stream into fixed-rate output frames.
//
// Each output instant is reconstructed by a windowed-sinc convolution
// over whatever queued samples fall within KernelLength/2 periods of it
// on either side — a rectangular window, since the source samples
// arrive close enough together that a tapered window buys nothing. The
// rest of the queue older than the window is pruned as the walk passes
// it, which is what keeps the queue's memory bounded across a long
// acquisition.
package resample

import (
	"math"
	"time"

	"github.com/cannon-zz/cardiacam-go/internal/samplequeue"
	"github.com/cannon-zz/cardiacam-go/internal/wdconst"
)

// Frame is one pulled block of output: length samples of two float32
// channels, one slice each (Scl, Ppg), with the offset/timestamp
// metadata the downstream framework needs to place it in the stream.
type Frame struct {
	Offset    uint64
	OffsetEnd uint64
	PTS       int64
	DTS       int64
	Duration  int64
	Scl       []float32
	Ppg       []float32
}

// Fill produces the frame covering [offset, offset+length) samples at
// wdconst.Rate, pulling from q. It blocks until the queue has enough
// lookahead to complete the frame's interpolation window or leaves
// StatusOK, then returns the frame and samplequeue.StatusOK — or, if the
// queue's status is not StatusOK when the wait ends, a zero Frame and
// that status, even when enough samples are queued.
func Fill(q *samplequeue.Queue, offset uint64, length int) (Frame, samplequeue.Status) {
	frame := Frame{
		Offset:    offset,
		OffsetEnd: offset + uint64(length),
	}
	frame.PTS = scaleRound(int64(frame.Offset), wdconst.Rate)
	frame.DTS = frame.PTS
	frame.Duration = scaleRound(int64(frame.OffsetEnd), wdconst.Rate) - frame.PTS

	const half = wdconst.KernelLength / 2

	head, status := q.WaitForLookahead(frame.PTS+frame.Duration, half)
	if status != samplequeue.StatusOK {
		return Frame{}, status
	}

	frame.Scl = make([]float32, length)
	frame.Ppg = make([]float32, length)

	for i := 0; i < length; i++ {
		ti := frame.PTS + scaleRound(int64(i), wdconst.Rate)

		var prev *samplequeue.Node
		for n := head; n != nil; {
			dn := sampleDiff(n.Sample.T, ti, n.Sample.Dt)

			if dn > half {
				prev = n
				n = n.Next
				continue
			}
			if dn < -half {
				// Everything from here to the tail is older than
				// this and every future output instant will ever
				// need again; drop it.
				if prev != nil {
					prev.Next = nil
				}
				break
			}

			k := sinc(dn)
			frame.Scl[i] += float32(k * n.Sample.Scl)
			frame.Ppg[i] += float32(k * n.Sample.Ppg)
			prev = n
			n = n.Next
		}
	}

	return frame, samplequeue.StatusOK
}

// sampleDiff is (t1-t0)/dt as a real number of sample periods.
func sampleDiff(t1, t0, dt int64) float64 {
	return float64(t1-t0) / float64(dt)
}

// sinc is the normalized sinc kernel, sin(pi*x)/(pi*x), with the
// removable singularity at x=0 filled in as 1.
func sinc(x float64) float64 {
	x *= math.Pi
	if x == 0 {
		return 1.0
	}
	return math.Sin(x) / x
}

// scaleRound computes round(val * 1 second / rate) in nanoseconds,
// rounding half away from zero like the C round() the original
// implementation relied on.
func scaleRound(val int64, rate int64) int64 {
	num := val * int64(time.Second)
	den := rate
	neg := (num < 0) != (den < 0)
	if num < 0 {
		num = -num
	}
	if den < 0 {
		den = -den
	}
	q := (2*num + den) / (2 * den)
	if neg {
		return -q
	}
	return q
}
