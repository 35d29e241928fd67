// Package reactor is a portable, deadline-based reference Selector. It
// drives one goroutine per registered channel, using short read/write
// deadlines to approximate non-blocking readiness instead of an
// epoll/kqueue multiplexer. It exists so the rest of this repository is
// runnable end to end on any platform; the production-grade, single-
// thread-per-many-sockets multiplexer is out of scope here.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/qosmqtt/engine"
)

// Reactor is a Selector implementation backed by one goroutine per
// registered Channel.
type Reactor struct {
	pollInterval time.Duration
	housekeepEvery time.Duration

	mu    sync.Mutex
	wg    sync.WaitGroup
	regs  map[*registration]struct{}
}

// New returns a Reactor that polls each channel's socket with the
// given deadline slice and runs housekeeping at the given period.
func New(pollInterval, housekeepEvery time.Duration) *Reactor {
	return &Reactor{
		pollInterval:   pollInterval,
		housekeepEvery: housekeepEvery,
		regs:           make(map[*registration]struct{}),
	}
}

// Register implements mqtt.Selector. waitConnect is accepted for
// interface compatibility but unused: by the time a Channel exists in
// this repository, its net.Conn has already finished a synchronous
// net.Dial, so there is no asynchronous connect phase left to watch
// for portably without platform-specific polling.
func (r *Reactor) Register(ch *mqtt.Channel, waitConnect bool) (mqtt.Registration, error) {
	reg := &registration{reactor: r, ch: ch, stop: make(chan struct{})}
	reg.readInterest.Store(true)

	r.mu.Lock()
	r.regs[reg] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.drive(reg)
	return reg, nil
}

// Wait blocks until every channel this Reactor ever registered has
// stopped being driven (closed or deregistered).
func (r *Reactor) Wait() { r.wg.Wait() }

func (r *Reactor) drive(reg *registration) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.regs, reg)
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.housekeepEvery)
	defer ticker.Stop()

	conn := reg.ch.Conn()
	for {
		select {
		case <-reg.stop:
			return
		default:
		}
		if reg.ch.IsClosed() {
			return
		}

		if reg.readInterest.Load() {
			conn.SetReadDeadline(time.Now().Add(r.pollInterval))
			reg.ch.Read(nowMS())
		}
		if reg.writeInterest.Load() {
			conn.SetWriteDeadline(time.Now().Add(r.pollInterval))
			reg.ch.Write(nowMS())
		}

		select {
		case <-ticker.C:
			reg.ch.Housekeep(nowMS())
		default:
		}
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

type registration struct {
	reactor *Reactor
	ch      *mqtt.Channel

	readInterest  atomic.Bool
	writeInterest atomic.Bool
	cancelled     atomic.Bool
	stop          chan struct{}
}

func (reg *registration) SetReadInterest(on bool)  { reg.readInterest.Store(on) }
func (reg *registration) SetWriteInterest(on bool) { reg.writeInterest.Store(on) }

func (reg *registration) Cancel() {
	if reg.cancelled.CompareAndSwap(false, true) {
		close(reg.stop)
	}
}
