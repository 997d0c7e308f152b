package simulator

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// Server exposes a Device over TCP. Clients are served one at a time, the
// way the real controller's single console port behaves; device state
// persists across connections.
type Server struct {
	Device *Device

	log *logrus.Logger
	lis net.Listener
}

// Listen binds addr and returns a server ready to Run.
func Listen(addr string, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.New()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{Device: NewDevice(), log: log, lis: lis}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Run accepts and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer context.AfterFunc(ctx, func() { s.lis.Close() })()
	s.log.WithField("addr", s.Addr()).Info("simulator listening")
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.log.WithField("remote", conn.RemoteAddr()).Info("client connected")
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = s.Device.serve(conn)
		stop()
		conn.Close()
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("client session ended")
		} else {
			s.log.Info("client disconnected")
		}
	}
}
