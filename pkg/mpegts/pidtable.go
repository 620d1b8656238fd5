package mpegts

import "sync"

// MaxPIDs is the table size: the 8192 real PIDs (0 to 0x1FFF) plus the
// AllPIDs pseudo-entry at index 8192.
const MaxPIDs = 8193

// AllPIDs is the pseudo-index representing "pass everything" (full TS,
// PID 8192 in the table layout, one past the last real PID).
const AllPIDs = 8192

// PidData tracks demultiplexer state for a single PID.
type PidData struct {
	FDDemux     int // demux file descriptor, -1 when not open
	Used        bool
	ShouldClose bool
	CC          int8 // last seen continuity counter, -1 = unset
	CCErrors    uint64
	Count       uint64
}

// PidTable reconciles the set of PIDs a stream wants against the set of
// demux filters currently open, re-checked after each SETUP/PLAY
// addpids/delpids change.
type PidTable struct {
	mu      sync.Mutex
	pids    [MaxPIDs]PidData
	changed bool
}

// NewPidTable returns an empty table with every demux fd marked closed.
func NewPidTable() *PidTable {
	t := &PidTable{}
	for i := range t.pids {
		t.pids[i].FDDemux = -1
		t.pids[i].CC = -1
	}
	return t
}

// AddPID marks pid as wanted. Returns false if pid is out of range.
func (t *PidTable) AddPID(pid int) bool {
	if pid < 0 || pid >= MaxPIDs {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pids[pid].Used {
		t.pids[pid].Used = true
		t.pids[pid].ShouldClose = false
		t.changed = true
	}
	return true
}

// RemovePID marks pid as no longer wanted; it will be closed on the next
// reconciliation pass rather than immediately, a two-phase close that
// avoids tearing down a demux fd mid read.
func (t *PidTable) RemovePID(pid int) bool {
	if pid < 0 || pid >= MaxPIDs {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pids[pid].Used {
		t.pids[pid].ShouldClose = true
		t.changed = true
	}
	return true
}

// SetAll toggles the ALL_PIDS pseudo-entry (full transport stream).
func (t *PidTable) SetAll(want bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &t.pids[AllPIDs]
	if want && !entry.Used {
		entry.Used = true
		entry.ShouldClose = false
		t.changed = true
	} else if !want && entry.Used {
		entry.ShouldClose = true
		t.changed = true
	}
}

// UsedPids returns every PID (including the AllPIDs pseudo-entry) that
// is currently wanted and not pending close, in ascending order.
func (t *PidTable) UsedPids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for pid := range t.pids {
		if t.pids[pid].Used && !t.pids[pid].ShouldClose {
			out = append(out, pid)
		}
	}
	return out
}

// IsUsed reports whether pid is wanted and not pending close; it does
// not check whether a demux filter is open for it yet.
func (t *PidTable) IsUsed(pid int) bool {
	if pid < 0 || pid >= MaxPIDs {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pids[pid].Used && !t.pids[pid].ShouldClose
}

// Changed reports and clears the dirty flag; the stream's PID
// reconciliation (Stream.Start and PLAY) calls this to decide whether a
// PID filter reconciliation pass is due.
func (t *PidTable) Changed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.changed
	t.changed = false
	return c
}

// MarkChanged re-arms the dirty flag. Reconciliation calls this when a
// demux open failed, so the pass that cleared the flag is retried on the
// next tune/PLAY instead of the failure being silently absorbed.
func (t *PidTable) MarkChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changed = true
}

// ForEachPendingClose invokes fn for every PID marked ShouldClose, then
// resets its state so the slot can be reused. fn should close the demux
// fd; the table itself has no device handle.
func (t *PidTable) ForEachPendingClose(fn func(pid int, fd int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.pids {
		d := &t.pids[pid]
		if d.Used && d.ShouldClose {
			fn(pid, d.FDDemux)
			d.Used = false
			d.ShouldClose = false
			d.FDDemux = -1
			d.CC = -1
		}
	}
}

// ForEachPendingOpen invokes fn for every wanted PID that has no demux fd
// open yet. fn must return the new fd (or -1 on failure).
func (t *PidTable) ForEachPendingOpen(fn func(pid int) int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.pids {
		d := &t.pids[pid]
		if d.Used && !d.ShouldClose && d.FDDemux < 0 {
			d.FDDemux = fn(pid)
		}
	}
}

// CheckContinuity updates the continuity counter for pid and reports
// whether a discontinuity (non-duplicate gap) occurred.
func (t *PidTable) CheckContinuity(pid int, cc uint8) bool {
	if pid < 0 || pid >= MaxPIDs {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &t.pids[pid]
	d.Count++
	prev := d.CC
	d.CC = int8(cc)
	if prev < 0 {
		return false
	}
	expected := (prev + 1) & 0x0F
	if int8(cc) == prev {
		return false // duplicate packet, not an error
	}
	if int8(cc) != expected {
		d.CCErrors++
		return true
	}
	return false
}

// Totals sums packet and continuity-error counts across every PID, for
// the metrics exporter.
func (t *PidTable) Totals() (packets, ccErrors uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pids {
		packets += t.pids[i].Count
		ccErrors += t.pids[i].CCErrors
	}
	return packets, ccErrors
}

// Reset clears all PID state, for use on retune.
func (t *PidTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pids {
		t.pids[i] = PidData{FDDemux: -1, CC: -1}
	}
	t.changed = false
}
