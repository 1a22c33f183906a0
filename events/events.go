// Package events serves DLEP peer and destination events to external
// tools as JSONL over a unix domain socket.  The daemon feeds it from
// its client callbacks; anything that connects to the socket receives
// the events published after it connects, except events dropped while
// the publish queue is full.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind names the kind of session event that has occurred.
type EventKind string

// Event kinds.
const (
	PeerUp            EventKind = "peer_up"
	PeerUpdate        EventKind = "peer_update"
	PeerDown          EventKind = "peer_down"
	DestinationUp     EventKind = "destination_up"
	DestinationUpdate EventKind = "destination_update"
	DestinationDown   EventKind = "destination_down"
)

// Event is the record sent down the socket in JSONL form.  Kind,
// Timestamp, and Peer are always filled in; the rest are optional.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Peer      string
	MAC       string   `json:",omitempty"`
	DataItems []string `json:",omitempty"`
}

// Server is the interface that actually serves events over the unix
// domain socket.  Make new Servers with New, or use NullServer when the
// socket is not configured.
type Server interface {
	Listen() error
	Serve(context.Context) error
	Publish(ev Event)
}

type server struct {
	eventC       chan *Event
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
	log          zerolog.Logger
}

func (s *server) addClient(c net.Conn) {
	s.log.Info().Str("client", c.RemoteAddr().String()).Msg("new event client")
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		s.log.Info().Msg("tried to remove event client that was not present")
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		_, err := fmt.Fprintln(c, data)
		if err != nil {
			s.log.Info().Err(err).Msg("write to event client failed, removing it")
			// Remove in a goroutine because removeClient needs the
			// mutex this method holds.  This also prevents
			// mid-iteration modification of s.clients.
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		if event == nil {
			continue
		}
		b, err := json.Marshal(*event)
		if err != nil {
			s.log.Error().Err(err).Msg("unmarshalable event")
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen returns quickly.  After Listen has been called, connections to
// the server will not immediately fail; for them to succeed, Serve
// should be called.  Call once per Server.
func (s *server) Listen() error {
	s.servingWG.Add(1)
	// Unclean shutdowns leave stale socket files around that would
	// keep the service from starting.
	os.Remove(s.filename)
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve all clients that connect to this server until the context is
// canceled.  Expected to run in a goroutine after Listen.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	s.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			s.log.Info().Err(err).Str("socket", s.filename).Msg("accept on event socket failed")
			break
		}
		s.addClient(conn)
	}
	return err
}

// Publish queues one event for delivery to all connected clients.
func (s *server) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.eventC <- &ev:
	default:
		// A wedged consumer must not stall the protocol path.
	}
}

// New makes a Server on the given unix domain socket path.
func New(filename string, log zerolog.Logger) Server {
	return &server{
		filename: filename,
		eventC:   make(chan *Event, 100),
		clients:  make(map[net.Conn]struct{}),
		log:      log,
	}
}

type nullServer struct{}

func (nullServer) Listen() error               { return nil }
func (nullServer) Serve(context.Context) error { return nil }
func (nullServer) Publish(Event)               {}

// NullServer returns a Server that does nothing, so callers that may or
// may not have an event socket configured need not check for nil.
func NullServer() Server {
	return nullServer{}
}
