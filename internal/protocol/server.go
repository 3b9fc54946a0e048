package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"connectorrunner/internal/supervisor"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	// ErrQuit is returned by a handler, and then by Serve, to stop reading.
	ErrQuit = errors.New("quit")
)

// maxLine bounds one command line.
const maxLine = 1 << 20

// Handler processes one decoded command.
type Handler func(Command) error

// Server reads commands and dispatches them by type.
type Server struct {
	handlers map[string]Handler
	in       io.Reader
	out      *Writer
	log      *zap.Logger
}

func NewServer(in io.Reader, out *Writer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{handlers: make(map[string]Handler), in: in, out: out, log: log.Named("protocol")}
}

// Register adds the handler for a command type.
func (s *Server) Register(commandType string, h Handler) {
	s.handlers[commandType] = h
}

// Serve writes the ready event and then dispatches commands in line order
// until the input ends or a handler returns ErrQuit. Bad lines are logged
// and skipped.
func (s *Server) Serve() error {
	s.out.Ready()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		err := s.Dispatch(scanner.Bytes())
		if errors.Is(err, ErrQuit) {
			return ErrQuit
		}
		if err != nil {
			s.log.Warn("command rejected", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

// Dispatch decodes one line and runs its handler. Blank lines are ignored.
func (s *Server) Dispatch(line []byte) error {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	h, ok := s.handlers[cmd.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	s.log.Debug("command", zap.String("type", cmd.Type), zap.String("runId", cmd.RunID))
	return h(cmd)
}

// Runner is what the run, stop and quit commands drive.
type Runner interface {
	Start(req supervisor.Request) error
	Stop(runID string) bool
	Quit()
}

// RegisterRunner installs the standard command set on s.
func RegisterRunner(s *Server, r Runner) {
	s.Register(CommandRun, func(cmd Command) error {
		if cmd.RunID == "" || cmd.ConnectorPath == "" {
			return fmt.Errorf("run: runId and connectorPath are required")
		}
		return r.Start(supervisor.Request{
			RunID:         cmd.RunID,
			ConnectorPath: cmd.ConnectorPath,
			URL:           cmd.URL,
			Headless:      cmd.IsHeadless(),
		})
	})
	s.Register(CommandStop, func(cmd Command) error {
		r.Stop(cmd.RunID)
		return nil
	})
	s.Register(CommandQuit, func(Command) error {
		s.log.Info("quitting")
		r.Quit()
		return ErrQuit
	})
	s.Register(CommandTest, func(Command) error {
		s.out.TestResult(HostInfo())
		return nil
	})
}

// HostInfo describes this process using the platform names parents expect.
func HostInfo() TestInfo {
	hostname, _ := os.Hostname()
	return TestInfo{
		Runtime:  runtime.Version(),
		Platform: platformName(runtime.GOOS),
		Arch:     archName(runtime.GOARCH),
		Hostname: hostname,
		CPUs:     runtime.NumCPU(),
	}
}

func platformName(goos string) string {
	if goos == "windows" {
		return "win32"
	}
	return goos
}

func archName(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	default:
		return goarch
	}
}
