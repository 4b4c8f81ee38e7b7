// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import "sync/atomic"

// ProgressState describes what a long-running archive operation is
// currently doing.
type ProgressState int32

const (
	// ProgressReady means no operation is running; the last one, if
	// any, completed successfully.
	ProgressReady ProgressState = iota
	// ProgressBusy means an operation is in flight.
	ProgressBusy
	// ProgressError means the last operation failed.
	ProgressError
	// ProgressCancelled means the last operation stopped at a
	// cancellation point before finishing.
	ProgressCancelled
)

func (s ProgressState) String() string {
	switch s {
	case ProgressReady:
		return "ready"
	case ProgressBusy:
		return "busy"
	case ProgressError:
		return "error"
	case ProgressCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProgressMonitor reports completion of extract and flush operations
// and accepts cooperative cancellation. All methods are safe for
// concurrent use; cancellation takes effect at entry boundaries, never
// mid-entry, so the archive is left structurally consistent.
type ProgressMonitor struct {
	state     atomic.Int32
	total     atomic.Int64
	completed atomic.Int64
	cancel    atomic.Bool
}

// State returns the monitor's current state.
func (m *ProgressMonitor) State() ProgressState {
	return ProgressState(m.state.Load())
}

// Percentage returns completion in whole percent, 0..100. Operations
// with no measurable work report 0 while busy and 100 once done.
func (m *ProgressMonitor) Percentage() int {
	total := m.total.Load()
	if total <= 0 {
		if m.State() == ProgressReady {
			return 100
		}
		return 0
	}
	pct := m.completed.Load() * 100 / total
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// Finished reports whether no operation is currently running.
func (m *ProgressMonitor) Finished() bool {
	return m.State() != ProgressBusy
}

// Cancel requests that the running operation stop at its next entry
// boundary. It is a no-op when nothing is running.
func (m *ProgressMonitor) Cancel() {
	if m.State() == ProgressBusy {
		m.cancel.Store(true)
	}
}

// begin arms the monitor for an operation over total bytes of work.
func (m *ProgressMonitor) begin(total int64) {
	m.total.Store(total)
	m.completed.Store(0)
	m.cancel.Store(false)
	m.state.Store(int32(ProgressBusy))
}

// advance records work done since the last call.
func (m *ProgressMonitor) advance(n int64) {
	m.completed.Add(n)
}

// cancelled is the cooperative check between entries.
func (m *ProgressMonitor) cancelled() bool {
	return m.cancel.Load()
}

// finish resolves the operation, mapping err to the terminal state.
func (m *ProgressMonitor) finish(err error) {
	switch {
	case err == nil:
		m.completed.Store(m.total.Load())
		m.state.Store(int32(ProgressReady))
	case m.cancel.Load():
		m.state.Store(int32(ProgressCancelled))
	default:
		m.state.Store(int32(ProgressError))
	}
}

// progressWriter feeds byte counts into a monitor as data flows.
type progressWriter struct {
	monitor *ProgressMonitor
}

func (w progressWriter) Write(p []byte) (int, error) {
	w.monitor.advance(int64(len(p)))
	return len(p), nil
}
