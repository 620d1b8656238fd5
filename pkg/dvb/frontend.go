// Package dvb models the tuner frontend: its state machine, tuning
// parameters, and the swappable DiSEqC/delivery-system backends, built
// around goroutines and contexts rather than a dedicated control thread.
package dvb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/satpi/satpi-go/pkg/satperr"
)

// State is the frontend lifecycle state, scoped to tuner hardware, not
// worker control.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateTuned
	StateStreaming
	StateRetuning // transient: tearing down current lock before re-tuning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateTuned:
		return "tuned"
	case StateStreaming:
		return "streaming"
	case StateRetuning:
		return "retuning"
	default:
		return "unknown"
	}
}

// TuneLockTimeout bounds how long Tune waits for FE_HAS_LOCK.
const TuneLockTimeout = 3 * time.Second

// HardwareControl is the minimal ioctl surface a delivery system needs
// from the device. Implementations talk to /dev/dvb/adapterN/frontendM;
// tests substitute a fake.
type HardwareControl interface {
	// SetProperties pushes a DTV_* property sequence (FE_SET_PROPERTY).
	SetProperties(ctx context.Context, props []Property) error
	// ReadStatus polls FE_GET_EVENT / FE_READ_STATUS for a lock.
	ReadStatus(ctx context.Context) (Status, error)
	// DrainEvents discards every queued frontend event (FE_GET_EVENT
	// until the queue is empty), so a tune never reads stale lock status
	// left over from the previous transponder.
	DrainEvents(ctx context.Context) error
	// SetVoltageTone drives LNB voltage (13V/18V) and 22kHz tone state.
	SetVoltageTone(ctx context.Context, voltage Voltage, tone bool) error
	// SendDiSEqcMessage writes a raw DiSEqC command burst.
	SendDiSEqcMessage(ctx context.Context, msg []byte) error
}

// Property is one DTV_* property/value pair for FE_SET_PROPERTY.
type Property struct {
	Cmd   uint32
	Value uint32
}

// Status reports the frontend's lock/signal state after FE_GET_EVENT.
type Status struct {
	HasLock    bool
	HasSignal  bool
	SignalDBm  int32
	SNR        uint16
	BitErrRate uint32
}

// Voltage selects LNB polarization supply voltage.
type Voltage int

const (
	Voltage13V Voltage = iota // vertical/right
	Voltage18V                // horizontal/left
	VoltageOff
)

// DeliverySystem performs the hardware-specific part of tuning: turning
// FrontendData into a Property list and driving any LNB/DiSEqC switching
// it needs first.
type DeliverySystem interface {
	// Name identifies the delivery system for logging ("DVB-S2", "DVB-T2", ...).
	Name() string
	// Tune drives LNB/switch setup then pushes tuning properties to hw.
	Tune(ctx context.Context, hw HardwareControl, params FrontendData) error
}

// Frontend owns one tuner's lifecycle: state machine, PID table, and the
// delivery system currently assigned to it.
type Frontend struct {
	mu         sync.Mutex
	state      State
	index      int
	hw         HardwareControl
	delivery   DeliverySystem
	pids       *mpegts.PidTable
	current    FrontendData
	lastSignal Status
	log        *logger.Logger
}

// NewFrontend constructs a Frontend bound to one adapter index and its
// hardware control surface. The delivery system is selected per-tune from
// the requested msys, since one adapter can support several systems
// (e.g. DVB-S and DVB-S2 on the same LNB input).
func NewFrontend(index int, hw HardwareControl, log *logger.Logger) *Frontend {
	return &Frontend{
		index: index,
		hw:    hw,
		pids:  mpegts.NewPidTable(),
		state: StateClosed,
		log:   log,
	}
}

// Index returns the adapter index this frontend controls.
func (f *Frontend) Index() int { return f.index }

// State returns the current lifecycle state.
func (f *Frontend) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Pids exposes the PID reconciliation table for the output stage and the
// SETUP/PLAY addpids/delpids handlers to mutate.
func (f *Frontend) Pids() *mpegts.PidTable { return f.pids }

// ApplyPidSelection folds a request's PID parameters into the table:
// pids= replaces the whole selection (a non-nil empty list, from
// pids=none, clears it), pids=all arms the full-TS pseudo-entry, and
// addpids/delpids adjust the current set in place.
func (f *Frontend) ApplyPidSelection(data FrontendData) {
	switch {
	case data.AllPIDs:
		f.pids.SetAll(true)
	case data.Pids != nil:
		f.pids.SetAll(false)
		wanted := make(map[int]bool, len(data.Pids))
		for _, pid := range data.Pids {
			wanted[pid] = true
		}
		for _, pid := range f.pids.UsedPids() {
			if pid != mpegts.AllPIDs && !wanted[pid] {
				f.pids.RemovePID(pid)
			}
		}
		for _, pid := range data.Pids {
			f.pids.AddPID(pid)
		}
	}
	for _, pid := range data.AddPids {
		f.pids.AddPID(pid)
	}
	for _, pid := range data.DelPids {
		f.pids.RemovePID(pid)
	}
}

// Open transitions Closed -> Open, claiming the device but not yet tuning.
func (f *Frontend) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateClosed {
		return fmt.Errorf("dvb: frontend %d already open", f.index)
	}
	f.state = StateOpen
	return nil
}

// Tune drives the delivery system to lock onto params, waiting up to
// TuneLockTimeout for FE_HAS_LOCK. On retune (already Tuned/Streaming) the
// frontend passes through Retuning first so PID state is not read mid
// transition.
func (f *Frontend) Tune(ctx context.Context, delivery DeliverySystem, params FrontendData) error {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return fmt.Errorf("dvb: frontend %d not open", f.index)
	}
	if f.state == StateTuned || f.state == StateStreaming {
		f.state = StateRetuning
		f.pids.Reset()
	}
	f.delivery = delivery
	f.mu.Unlock()

	// Virtual sources (msys=file/streamer) have no hardware to drive or
	// lock to wait for; recording the parameters is the whole tune.
	if delivery == nil {
		f.mu.Lock()
		f.state = StateTuned
		f.current = params
		f.mu.Unlock()
		return nil
	}
	if f.hw == nil {
		f.mu.Lock()
		f.state = StateOpen
		f.mu.Unlock()
		return satperr.New(satperr.ClassTuner, "tune",
			fmt.Errorf("stream slot %d has no tuner hardware", f.index))
	}

	f.log.DebugTuner("tuning", "adapter", f.index, "system", delivery.Name(),
		"freq", params.FrequencyKHz, "pol", params.Polarization)

	tuneCtx, cancel := context.WithTimeout(ctx, TuneLockTimeout)
	defer cancel()

	// Clear any stale events queued from a previous tune before the
	// property sequence goes down, so waitForLock only ever sees status
	// produced by this tune.
	if err := f.hw.DrainEvents(tuneCtx); err != nil {
		f.mu.Lock()
		f.state = StateOpen
		f.mu.Unlock()
		return satperr.New(satperr.ClassTuner, "drain_events", err)
	}

	if err := delivery.Tune(tuneCtx, f.hw, params); err != nil {
		f.mu.Lock()
		f.state = StateOpen
		f.mu.Unlock()
		return satperr.New(satperr.ClassTuner, "tune", err)
	}

	if err := f.waitForLock(tuneCtx); err != nil {
		f.mu.Lock()
		f.state = StateOpen
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.state = StateTuned
	f.current = params
	f.mu.Unlock()
	return nil
}

func (f *Frontend) waitForLock(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return satperr.New(satperr.ClassTuner, "wait_lock", satperr.ErrTuneTimeout)
		case <-ticker.C:
			status, err := f.hw.ReadStatus(ctx)
			if err != nil {
				return satperr.New(satperr.ClassTuner, "read_status", err)
			}
			f.mu.Lock()
			f.lastSignal = status
			f.mu.Unlock()
			if status.HasLock {
				return nil
			}
		}
	}
}

// PollSignal refreshes the cached lock/signal/BER reading from the
// hardware. Callers run it on a slow periodic tick; scrape paths read
// the cache via LastSignal instead of issuing ioctls.
func (f *Frontend) PollSignal(ctx context.Context) {
	if f.hw == nil {
		return
	}
	status, err := f.hw.ReadStatus(ctx)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.lastSignal = status
	f.mu.Unlock()
}

// LastSignal returns the most recent signal reading.
func (f *Frontend) LastSignal() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSignal
}

// MarkStreaming transitions Tuned -> Streaming once the output pump has
// started delivering packets for this frontend.
func (f *Frontend) MarkStreaming() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateTuned {
		f.state = StateStreaming
	}
}

// CurrentParams returns the tuning parameters last successfully applied.
func (f *Frontend) CurrentParams() FrontendData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Close releases the tuner, returning it to Closed regardless of its
// current state.
func (f *Frontend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids.Reset()
	f.state = StateClosed
}
