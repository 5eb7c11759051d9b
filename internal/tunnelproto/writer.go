package tunnelproto

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrWriterClosed       = errors.New("tunnel writer closed")
	ErrWriterBackpressure = errors.New("tunnel writer backpressure")
)

const (
	controlEnqueueTimeout = 2 * time.Second
	bulkEnqueueTimeout    = 500 * time.Millisecond
)

type writeJob struct {
	msg           Message
	frameKind     byte
	id            string
	wsMessageType int
	payload       []byte
	binary        bool
	done          chan error
}

// WritePump serializes writes to one control channel. Control JSON
// messages take priority over bulk binary frames, so pings and response
// headers are never starved by a large body transfer. A peer that
// cannot drain bulk traffic within the enqueue timeout gets its channel
// torn down rather than stalling every tunnel on the session.
type WritePump struct {
	writeFn  func(writeJob) error
	closeFn  func()
	control  chan writeJob
	bulk     chan writeJob
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
}

// NewWritePump wraps conn in a pump. writeTimeout bounds each physical
// write; controlCap and bulkCap size the two queues.
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, controlCap, bulkCap int) *WritePump {
	writeFn := func(job writeJob) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

		if !job.binary {
			if err := conn.WriteJSON(job.msg); err != nil {
				_ = conn.Close()
				return err
			}
			return nil
		}

		w, err := conn.NextWriter(websocket.BinaryMessage)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := WriteBinaryFrame(w, job.frameKind, job.id, job.wsMessageType, job.payload); err != nil {
			_ = w.Close()
			_ = conn.Close()
			return err
		}
		if err := w.Close(); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}
	return newWritePump(writeFn, func() { _ = conn.Close() }, controlCap, bulkCap)
}

func newWritePump(writeFn func(writeJob) error, closeFn func(), controlCap, bulkCap int) *WritePump {
	if controlCap <= 0 {
		controlCap = 1
	}
	if bulkCap <= 0 {
		bulkCap = 1
	}
	p := &WritePump{
		writeFn: writeFn,
		closeFn: closeFn,
		control: make(chan writeJob, controlCap),
		bulk:    make(chan writeJob, bulkCap),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// WriteJSON enqueues a control message and waits for the write result.
func (p *WritePump) WriteJSON(msg Message) error {
	return p.enqueue(writeJob{msg: msg, done: make(chan error, 1)}, true)
}

// WriteBinaryFrame enqueues a bulk frame and waits for the write result.
func (p *WritePump) WriteBinaryFrame(frameKind byte, id string, wsMessageType int, payload []byte) error {
	return p.enqueue(writeJob{
		frameKind:     frameKind,
		id:            id,
		wsMessageType: wsMessageType,
		payload:       payload,
		binary:        true,
		done:          make(chan error, 1),
	}, false)
}

// Close stops the pump and waits for the run loop to exit. Safe to call
// more than once.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(job writeJob, control bool) error {
	if p.closed.Load() {
		return ErrWriterClosed
	}

	target, wait := p.bulk, bulkEnqueueTimeout
	if control {
		target, wait = p.control, controlEnqueueTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWriterClosed
	case target <- job:
	case <-timer.C:
		if !p.closed.Swap(true) {
			if p.closeFn != nil {
				p.closeFn()
			}
			p.signalStop()
		}
		return ErrWriterBackpressure
	}

	return <-job.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		job, ok := p.next()
		if !ok {
			p.failPending(ErrWriterClosed)
			return
		}
		err := p.writeFn(job)
		job.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWriterClosed)
			return
		}
	}
}

// next prefers queued control traffic, then blocks on either queue.
func (p *WritePump) next() (writeJob, bool) {
	select {
	case job := <-p.control:
		return job, true
	default:
	}

	select {
	case <-p.stop:
		return writeJob{}, false
	case job := <-p.control:
		return job, true
	case job := <-p.bulk:
		return job, true
	}
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case job := <-p.control:
			job.done <- err
		case job := <-p.bulk:
			job.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
