package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/beamcal/cbp_interface/cbp"
)

// Event is one message on the websocket, tagged by Type so clients can
// demultiplex without inspecting which field is set.
type Event struct {
	Type       string               `json:"type"`
	State      *cbp.StateChange     `json:"state,omitempty"`
	Target     *cbp.Target          `json:"target,omitempty"`
	Mount      *cbp.MountInPosition `json:"mount,omitempty"`
	InPosition *bool                `json:"in_position,omitempty"`
	Status     *cbp.Status          `json:"status,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Command is one supervisory request, over the websocket or POSTed to
// /api/command. Only the fields the named command uses are read.
type Command struct {
	Command   string  `json:"command"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	Rotation  float64 `json:"rotation"`
	Focus     float64 `json:"focus"`
	Mask      string  `json:"mask"`
}

// Server fans controller events out to websocket clients and routes their
// commands back into the controller.
type Server struct {
	log *logrus.Logger
	cbp *cbp.CBP

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewServer(log *logrus.Logger) *Server {
	return &Server{log: log, clients: make(map[chan Event]struct{})}
}

// SetController attaches the controller the server drives. Must be called
// before serving requests.
func (s *Server) SetController(c *cbp.CBP) {
	s.cbp = c
}

// Events returns the callback set that feeds the websocket broadcast.
func (s *Server) Events() cbp.Events {
	inPosition := func(typ string) func(bool) {
		return func(b bool) {
			v := b
			s.broadcast(Event{Type: typ, InPosition: &v})
		}
	}
	return cbp.Events{
		StateChanged: func(sc cbp.StateChange) {
			s.broadcast(Event{Type: "state", State: &sc})
		},
		Target: func(tg cbp.Target) {
			s.broadcast(Event{Type: "target", Target: &tg})
		},
		MountInPosition: func(m cbp.MountInPosition) {
			s.broadcast(Event{Type: "mount_in_position", Mount: &m})
		},
		MaskRotationInPosition: inPosition("mask_rotation_in_position"),
		MaskInPosition:         inPosition("mask_in_position"),
		FocusInPosition:        inPosition("focus_in_position"),
		Status: func(st cbp.Status) {
			s.broadcast(Event{Type: "status", Status: &st})
		},
	}
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

// broadcast queues ev for every connected client. A client that cannot keep
// up loses events rather than stalling telemetry.
func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case "start":
		return s.cbp.Start(ctx)
	case "enable":
		return s.cbp.Enable()
	case "disable":
		return s.cbp.Disable()
	case "standby":
		return s.cbp.Standby()
	case "move":
		return s.cbp.Move(cmd.Azimuth, cmd.Elevation)
	case "set_mask_rotation":
		return s.cbp.SetMaskRotation(cmd.Rotation)
	case "set_mask":
		return s.cbp.SetMask(cmd.Mask)
	case "set_focus":
		return s.cbp.SetFocus(cmd.Focus)
	case "park":
		return s.cbp.Park()
	case "unpark":
		return s.cbp.Unpark()
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

// StatusHandler serves the current controller snapshot.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cbp.Status()); err != nil {
		s.log.WithError(err).Warn("writing status")
	}
}

// CommandHandler accepts one command and replies with the resulting
// snapshot, or 400 with the rejection reason.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.dispatch(r.Context(), cmd); err != nil {
		s.log.WithError(err).WithField("command", cmd.Command).Warn("command rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.StatusHandler(w, r)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusSocketHandler upgrades to a websocket carrying Events to the client
// and Commands from it.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Read and dispatch incoming commands; rejections go back on the
	// event channel so there is a single websocket writer.
	go func() {
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				cancel()
				return
			}
			if err := s.dispatch(ctx, cmd); err != nil {
				select {
				case ch <- Event{Type: "error", Error: err.Error()}:
				default:
				}
			}
		}
	}()

	st := s.cbp.Status()
	if err := conn.WriteJSON(Event{Type: "status", Status: &st}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
