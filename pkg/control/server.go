package control

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/sunlightlinux/rlinit/internal/util"
	"github.com/sunlightlinux/rlinit/pkg/logging"
	"github.com/sunlightlinux/rlinit/pkg/shutdown"
)

// Handler executes control commands. Implemented by the bootstrap driver;
// every method runs in event loop context.
type Handler interface {
	Runlevel(n int) error
	Reload() error
	Status() string
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Shutdown(t shutdown.Type)
}

// PostFunc hands a closure to the event loop; the server uses it so
// command handling mutates state only on the loop goroutine.
type PostFunc func(fn func())

// dispatchTimeout bounds how long the server waits for the loop to pick
// up a command before giving up on the client.
const dispatchTimeout = 10 * time.Second

// Server answers control commands on a datagram Unix socket. A file lock
// next to the socket guards against a second responder taking over a live
// socket; only the lock holder removes stale sockets.
type Server struct {
	handler  Handler
	post     PostFunc
	logger   *logging.Logger
	sockPath string

	lock *flock.Flock
	conn *net.UnixConn
	done chan struct{}
}

// NewServer creates a control server on sockPath.
func NewServer(handler Handler, post PostFunc, sockPath string, logger *logging.Logger) *Server {
	return &Server{
		handler:  handler,
		post:     post,
		logger:   logger,
		sockPath: sockPath,
	}
}

// Start acquires the responder lock, binds the socket and begins serving.
func (s *Server) Start() error {
	dir := filepath.Dir(s.sockPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	s.lock = flock.New(util.CombinePaths(dir, "ctl.lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("control lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another control responder holds %s", s.lock.Path())
	}

	// Stale socket from a previous life; we hold the lock, so nothing
	// is listening on it.
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		s.lock.Unlock()
		return err
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.sockPath, Net: "unixgram"})
	if err != nil {
		s.lock.Unlock()
		return err
	}
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		conn.Close()
		s.lock.Unlock()
		return err
	}

	s.conn = conn
	s.done = make(chan struct{})
	go s.serve()

	s.logger.Info("Control channel listening on %s", s.sockPath)
	return nil
}

// Stop closes the socket and releases the responder lock.
func (s *Server) Stop() {
	if s.conn != nil {
		s.conn.Close()
		<-s.done
		os.Remove(s.sockPath)
	}
	if s.lock != nil {
		s.lock.Unlock()
	}
}

func (s *Server) serve() {
	defer close(s.done)

	buf := make([]byte, MaxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}

		line := strings.TrimSpace(string(buf[:n]))
		reply := s.execute(line)

		if addr != nil {
			if _, err := s.conn.WriteToUnix([]byte(reply), addr); err != nil {
				s.logger.Debug("Control reply to %s: %v", addr.Name, err)
			}
		}
	}
}

// execute ships the command to the event loop and waits for its reply.
func (s *Server) execute(line string) string {
	result := make(chan string, 1)

	s.post(func() {
		result <- s.dispatch(line)
	})

	select {
	case reply := <-result:
		return reply
	case <-time.After(dispatchTimeout):
		return Err("timeout")
	}
}

// dispatch runs one command in loop context.
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Err("empty command")
	}

	cmd, args := fields[0], fields[1:]
	s.logger.Debug("Control command: %s", line)

	switch cmd {
	case CmdRunlevel:
		if len(args) != 1 {
			return Err("usage: runlevel <0-9>")
		}
		n, ok := util.ParseInt(args[0], 0, 9)
		if !ok {
			return Err("invalid runlevel %q", args[0])
		}
		if err := s.handler.Runlevel(n); err != nil {
			return Err("%v", err)
		}
		return OK("")

	case CmdReload:
		if err := s.handler.Reload(); err != nil {
			return Err("%v", err)
		}
		return OK("")

	case CmdStatus:
		return OK(s.handler.Status())

	case CmdStart, CmdStop, CmdRestart:
		if len(args) != 1 {
			return Err("usage: %s <service>", cmd)
		}
		var err error
		switch cmd {
		case CmdStart:
			err = s.handler.Start(args[0])
		case CmdStop:
			err = s.handler.Stop(args[0])
		default:
			err = s.handler.Restart(args[0])
		}
		if err != nil {
			return Err("%v", err)
		}
		return OK("")

	case CmdPoweroff:
		s.handler.Shutdown(shutdown.Poweroff)
		return OK("")
	case CmdReboot:
		s.handler.Shutdown(shutdown.Reboot)
		return OK("")
	case CmdHalt:
		s.handler.Shutdown(shutdown.Halt)
		return OK("")

	default:
		return Err("unknown command %q", cmd)
	}
}
