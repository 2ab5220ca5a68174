package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/nexus/internal/services/nexus/domain/rooms"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/vitals"
)

var (
	errPeerClosed = errors.New("peer is closed")
	errPeerSlow   = errors.New("peer send queue is full")
)

// wsPeer queues frames for one connection and implements rooms.Sender. A
// single writer goroutine owns the socket, so a stalled client only ever
// blocks itself.
type wsPeer struct {
	encoder      *json.Encoder
	setDeadline  func(time.Time) error
	writeTimeout time.Duration

	queue    chan wsFrame
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func newWSPeer(conn *websocket.Conn, writeTimeout time.Duration) *wsPeer {
	return newQueuedPeer(conn, conn.SetWriteDeadline, writeTimeout, peerQueueSize)
}

func newQueuedPeer(w io.Writer, setDeadline func(time.Time) error, writeTimeout time.Duration, size int) *wsPeer {
	p := &wsPeer{
		encoder:      json.NewEncoder(w),
		setDeadline:  setDeadline,
		writeTimeout: writeTimeout,
		queue:        make(chan wsFrame, size),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *wsPeer) run() {
	defer close(p.finished)
	for {
		select {
		case frame := <-p.queue:
			if err := p.write(frame); err != nil {
				p.closeDone()
				return
			}
		case <-p.done:
			// Flush what was queued before stop, e.g. a final error frame.
			for {
				select {
				case frame := <-p.queue:
					if err := p.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *wsPeer) write(frame wsFrame) error {
	if p.setDeadline != nil && p.writeTimeout > 0 {
		_ = p.setDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.encoder.Encode(frame)
}

func (p *wsPeer) closeDone() {
	p.stopOnce.Do(func() { close(p.done) })
}

// stop flushes queued frames and waits for the writer to exit.
func (p *wsPeer) stop() {
	p.closeDone()
	<-p.finished
}

// writeFrame queues a reply from the connection's own goroutine. It waits for
// room in the queue.
func (p *wsPeer) writeFrame(frame wsFrame) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return errPeerClosed
	}
}

// Send queues a room event without waiting. A full queue drops the event.
func (p *wsPeer) Send(event rooms.Event) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.queue <- wsFrame{Type: event.Name, Payload: mustJSON(event.Payload)}:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		return errPeerSlow
	}
}

// tablePublisher forwards committed vitals changes to the table room.
type tablePublisher struct {
	router *rooms.Router
}

func (p tablePublisher) Publish(change vitals.Change) {
	if p.router == nil {
		return
	}
	var event rooms.Event
	switch change.Kind {
	case vitals.ChangeStatus:
		event = rooms.Event{Name: frameStatusChanged, Payload: statusChangedPayload{
			CharacterID: change.CharacterID,
			StatusID:    change.Vitals.StatusID,
		}}
	default:
		event = rooms.Event{Name: frameVitalsChanged, Payload: vitalsChangedPayload{
			CharacterID: change.CharacterID,
			Reason:      string(change.Kind),
			Vitals:      newVitalsView(change.Vitals),
		}}
	}
	p.router.Broadcast(rooms.Table(), event, "")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("nexus: failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
