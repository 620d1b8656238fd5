package rtpio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satpi/satpi-go/pkg/logger"
)

// pacerGranularity is the minimum sleep the pacer will issue; sub-100µs
// deltas fire immediately rather than oversleeping on an imprecise
// scheduler.
const pacerGranularity = 100 * time.Microsecond

// Pacer smooths outbound RTP payload transmission to the nominal
// transport-stream bitrate, absorbing bursts leaky-bucket style for a
// single MPEG transport-stream flow whose timestamps advance in 90kHz
// units.
type Pacer struct {
	logger *logger.Logger

	queue chan []byte
	write func([]byte) error

	sent       atomic.Uint64
	bursts     atomic.Uint64
	lastSentAt time.Time
	mu         sync.Mutex

	wg sync.WaitGroup
}

// NewPacer creates a pacer that calls write for each dequeued payload.
func NewPacer(write func([]byte) error, log *logger.Logger) *Pacer {
	return &Pacer{
		write:  write,
		logger: log,
		queue:  make(chan []byte, 64),
	}
}

// Start begins the pacing goroutine, draining queued payloads at the
// pace implied by their RTP timestamp deltas until ctx is cancelled.
func (p *Pacer) Start(ctx context.Context, clockRate uint32) {
	p.wg.Add(1)
	go p.run(ctx, clockRate)
}

// Stop waits for the pacing goroutine to exit.
func (p *Pacer) Stop() {
	p.wg.Wait()
}

// Enqueue submits a payload (with its RTP header already filled in, so
// the pacer can read the timestamp at bytes 4:8) for paced transmission.
// Blocks briefly if the queue is full: for a single, already-rate-limited
// producer, backpressure beats dropping.
func (p *Pacer) Enqueue(ctx context.Context, payload []byte) {
	select {
	case p.queue <- payload:
	case <-ctx.Done():
	}
}

func (p *Pacer) run(ctx context.Context, clockRate uint32) {
	defer p.wg.Done()

	var lastTS uint32
	haveFirst := false

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			ts := readTimestamp(payload)

			if !haveFirst {
				haveFirst = true
				lastTS = ts
				p.mu.Lock()
				p.lastSentAt = time.Now()
				p.mu.Unlock()
				p.send(payload)
				continue
			}

			delay := p.delayFor(ts, lastTS, clockRate)
			if delay >= pacerGranularity {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			lastTS = ts
			p.mu.Lock()
			p.lastSentAt = time.Now()
			p.mu.Unlock()
			p.send(payload)
		}
	}
}

func (p *Pacer) delayFor(currentTS, lastTS uint32, clockRate uint32) time.Duration {
	if clockRate == 0 {
		return 0
	}
	var delta uint32
	if currentTS >= lastTS {
		delta = currentTS - lastTS
	} else {
		delta = (0xFFFFFFFF - lastTS) + currentTS + 1
	}
	nominal := time.Duration(delta) * time.Second / time.Duration(clockRate)

	p.mu.Lock()
	elapsed := time.Since(p.lastSentAt)
	p.mu.Unlock()

	delay := nominal - elapsed
	if delay < 0 {
		return 0
	}
	return delay
}

func (p *Pacer) send(payload []byte) {
	if err := p.write(payload); err != nil {
		p.logger.DebugRTP("pacer write failed", "error", err)
		return
	}
	p.sent.Add(1)
}

// Stats reports cumulative pacer counters.
func (p *Pacer) Stats() (sent, queueDepth uint64) {
	return p.sent.Load(), uint64(len(p.queue))
}

func readTimestamp(payload []byte) uint32 {
	if len(payload) < 8 {
		return 0
	}
	return uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])
}
