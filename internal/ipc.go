package internal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

const socketName = "relayclaw.sock"

// ControllerServer is the command ingress: the backend controller connects
// over a unix socket and streams JSON command envelopes; each envelope is
// answered with its CommandResult. A connection may carry any number of
// commands.
type ControllerServer struct {
	socketPath string
	listener   net.Listener
	handler    *CommandHandler
}

// NewControllerServer listens on a unix socket under socketDir. A stale
// socket from a previous run is removed first.
func NewControllerServer(socketDir string, handler *CommandHandler) (*ControllerServer, error) {
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	socketPath := filepath.Join(socketDir, socketName)
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(socketPath, 0770); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod: %w", err)
	}

	return &ControllerServer{
		socketPath: socketPath,
		listener:   listener,
		handler:    handler,
	}, nil
}

// SocketPath returns the path clients dial.
func (s *ControllerServer) SocketPath() string {
	return s.socketPath
}

// Start accepts connections until the listener is closed.
func (s *ControllerServer) Start() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept controller connection", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener.
func (s *ControllerServer) Stop() error {
	return s.listener.Close()
}

func (s *ControllerServer) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(bufio.NewReader(conn))
	encoder := json.NewEncoder(conn)

	for {
		var cmd Command
		if err := decoder.Decode(&cmd); err != nil {
			if err != io.EOF {
				encoder.Encode(CommandResult{Error: "bad envelope: " + err.Error()})
			}
			return
		}
		if err := encoder.Encode(s.handler.Handle(cmd)); err != nil {
			slog.Error("write command result", "id", cmd.ID, "err", err)
			return
		}
	}
}

// ControllerClient sends commands to a running agent.
type ControllerClient struct {
	socketPath string
}

// NewControllerClient creates a client for the socket at path.
func NewControllerClient(socketPath string) *ControllerClient {
	return &ControllerClient{socketPath: socketPath}
}

// Send delivers one command and returns the agent's result.
func (c *ControllerClient) Send(cmd Command) (CommandResult, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return CommandResult{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	if err := encoder.Encode(cmd); err != nil {
		return CommandResult{}, err
	}

	var result CommandResult
	if err := decoder.Decode(&result); err != nil {
		return CommandResult{}, err
	}
	return result, nil
}
