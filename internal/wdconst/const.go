// Package wdconst holds the compile-time constants shared by every stage of
// the WildDevine acquisition pipeline. Per spec, rate, kernel length, device
// IDs and the interrupt-read timeout are fixed at build time; there is no
// configuration surface for them.
package wdconst

import "time"

const (
	// Rate is the output sample rate in Hz. Earlier device firmware
	// measured closer to 30 Hz; this build targets the revision that
	// reports samples at 50 Hz.
	Rate = 50

	// UnitSize is the size in bytes of one output sample: two channels
	// (scl, ppg), 32-bit float each.
	UnitSize = 2 * 4

	// KernelLength is the number of taps in the windowed-sinc
	// interpolation kernel, centered on the output instant.
	KernelLength = 10

	// VendorID and ProductID identify the WildDevine biosensor on the
	// USB bus.
	VendorID  = 0x14fa
	ProductID = 0x0001

	// Interface and Endpoint are the USB interface number and the
	// interrupt-IN endpoint address the device exposes its sample
	// stream on.
	Interface = 0
	Endpoint  = 0x81
)

// Timeout bounds a single interrupt transfer read. The device is expected
// to produce a packet within this window even when idle; a transfer that
// exceeds it is treated as a hard transport error, not a retryable
// condition.
const Timeout = 80 * time.Millisecond

// RecommendedBlockSize is the blocksize a pull-based host is expected to
// request: 100ms of stereo output.
const RecommendedBlockSize = Rate / 10 * UnitSize
