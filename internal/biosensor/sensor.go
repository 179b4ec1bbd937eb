// Package biosensor is the WildDevine acquisition element: it owns the
// collector goroutine that turns USB packets into a queued sample
// stream, and the narrow control surface (start/stop/unlock plus the
// version/serial/pll_locked properties) that a host application drives
// it through.
//
// There's no reference-counted object system here, just a mutex-guarded
// state struct and an explicit listener registry for the three
// properties that used to be GObject property-change signals.
package biosensor

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cannon-zz/cardiacam-go/internal/pll"
	"github.com/cannon-zz/cardiacam-go/internal/resample"
	"github.com/cannon-zz/cardiacam-go/internal/samplequeue"
	"github.com/cannon-zz/cardiacam-go/internal/usbtransport"
	"github.com/cannon-zz/cardiacam-go/internal/wdrecord"
)

// unsetProperty is the sentinel version/serial hold before a <VER>/<SER>
// record has ever been seen. Zero is a value a real device could
// legitimately report, so it can't double as "unknown".
const unsetProperty = ^uint64(0)

// Properties is a snapshot of the device's three read-only properties.
type Properties struct {
	Version   uint64
	Serial    uint64
	PLLLocked bool
}

// Listener is notified whenever any of Properties changes. Implementations
// must not block for long: OnPropertiesChanged runs on the collector
// goroutine.
type Listener interface {
	OnPropertiesChanged(Properties)
}

// Sensor is one WildDevine acquisition pipeline: a transport, a sample
// queue, and the collector goroutine tying them together through a PLL.
type Sensor struct {
	transport usbtransport.Transport
	queue     *samplequeue.Queue
	logger    *log.Logger

	stopRequested atomic.Bool
	collectDone   chan struct{}

	mu        sync.RWMutex
	props     Properties
	listeners []Listener

	clock clock
}

// clock is the collector's reference timebase: time.Since(base) in the
// real implementation, a scripted sequence in tests that need to pin
// arrival instants to exact values.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New wraps an already-open Transport in a Sensor. Production callers
// obtain t from usbtransport.Open(); tests pass a usbtransport.Fake.
func New(t usbtransport.Transport, logger *log.Logger) *Sensor {
	if logger == nil {
		logger = log.Default()
	}
	return &Sensor{
		transport: t,
		queue:     samplequeue.New(),
		logger:    logger,
		props:     Properties{Version: unsetProperty, Serial: unsetProperty},
		clock:     realClock{},
	}
}

// AddListener registers l to receive future property-change
// notifications. Not retroactive: call Properties() first if the
// listener needs the current values.
func (s *Sensor) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Properties returns the current snapshot of version/serial/pll_locked.
func (s *Sensor) Properties() Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props
}

// Start spawns the collector goroutine. It returns an error only if
// the sensor is already running.
func (s *Sensor) Start() error {
	if s.collectDone != nil {
		select {
		case <-s.collectDone:
			// previous run finished; fall through to start a new one
		default:
			return fmt.Errorf("biosensor: already running")
		}
	}
	s.stopRequested.Store(false)
	s.collectDone = make(chan struct{})
	go s.collect()
	return nil
}

// Stop requests the collector to exit, waits for it to do so, and
// closes the transport. Safe to call after Start has returned
// regardless of whether the collector has hit a terminal condition on
// its own.
func (s *Sensor) Stop() error {
	s.stopRequested.Store(true)
	if s.collectDone != nil {
		<-s.collectDone
	}
	return s.transport.Close()
}

// Unlock requests the collector to exit without closing the
// transport, used by a host to cancel a blocked Fill during a state
// change rather than a full shutdown.
func (s *Sensor) Unlock() {
	s.stopRequested.Store(true)
}

// Fill pulls one output frame from the sample queue; see
// resample.Fill for the contract.
func (s *Sensor) Fill(offset uint64, length int) (resample.Frame, samplequeue.Status) {
	return resample.Fill(s.queue, offset, length)
}

// collect is the collector's run loop: read a packet, timestamp it,
// scan the accumulated buffer for records, push PLL-corrected samples,
// and notify on property changes. Runs until stop is requested or the
// transport reports a terminal status.
func (s *Sensor) collect() {
	defer close(s.collectDone)

	base := s.clock.Now()
	loop := pll.New()
	var buf []byte
	packet := make([]byte, 8)
	var pllEstablished bool

	for {
		if s.stopRequested.Load() {
			s.queue.SetStatus(samplequeue.StatusEOS)
			return
		}

		n, status := s.transport.Read(packet)
		if status != usbtransport.StatusOK {
			if status.Fatal() {
				s.logger.Printf("biosensor: transport error: %s", status)
				s.queue.SetStatus(samplequeue.StatusError)
			} else {
				s.logger.Printf("biosensor: transport ended: %s", status)
				s.queue.SetStatus(samplequeue.StatusEOS)
			}
			return
		}
		if n != len(packet) {
			s.logger.Printf("biosensor: short read: got %d of %d bytes", n, len(packet))
			s.queue.SetStatus(samplequeue.StatusError)
			return
		}

		t := s.clock.Now().Sub(base).Nanoseconds()

		if n >= 1 {
			count := int(packet[0])
			if count > 7 {
				count = 7
			}
			if 1+count <= n {
				buf = append(buf, packet[1:1+count]...)
			}
		}

		rec := wdrecord.Scan(buf)
		s.updateIdentity(rec)

		for _, raw := range rec.Samples {
			tRec, locked := loop.Correct(t)
			dt := loop.Period()
			if dt <= 0 {
				if !pllEstablished {
					// Still priming: the first Correct call never sets
					// a period. Nothing to push or report yet.
					continue
				}
				s.logger.Printf("biosensor: PLL invariant violation: period estimate %d <= 0", dt)
				s.queue.SetStatus(samplequeue.StatusError)
				return
			}
			pllEstablished = true
			s.queue.Push(samplequeue.Sample{
				T:   tRec,
				Dt:  dt,
				Scl: float64(raw.Scl) / 65536.0,
				Ppg: float64(raw.Ppg) / 65536.0,
			})
			s.updateLock(locked)
		}

		if rec.Consumed > 0 {
			buf = buf[rec.Consumed:]
		}
	}
}

func (s *Sensor) updateIdentity(rec wdrecord.Result) {
	s.mu.Lock()
	changed := false
	if rec.Version != nil && *rec.Version != s.props.Version {
		s.props.Version = *rec.Version
		changed = true
	}
	if rec.Serial != nil && *rec.Serial != s.props.Serial {
		s.props.Serial = *rec.Serial
		changed = true
	}
	snap := s.props
	s.mu.Unlock()

	if changed {
		s.logger.Printf("biosensor: version=%d serial=%d", snap.Version, snap.Serial)
		s.notify(snap)
	}
}

func (s *Sensor) updateLock(locked bool) {
	s.mu.Lock()
	changed := locked != s.props.PLLLocked
	s.props.PLLLocked = locked
	snap := s.props
	s.mu.Unlock()

	if changed {
		if locked {
			s.logger.Printf("biosensor: PLL locked")
		} else {
			s.logger.Printf("biosensor: PLL unlocked")
		}
		s.notify(snap)
	}
}

func (s *Sensor) notify(p Properties) {
	s.mu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range ls {
		l.OnPropertiesChanged(p)
	}
}
