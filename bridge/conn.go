package bridge

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// maxFrameBytes bounds a single frame from the native host.
const maxFrameBytes = 256 * 1024

// Conn is the low-level pipe that carries JSON frames to and from the native
// bridge host.
type Conn interface {
	// Send transmits one frame to the native side.
	Send(frame []byte) error
	// Frames is the stream of frames received from the native side. It is
	// closed when the connection drops.
	Frames() <-chan []byte
	Close() error
}

// SocketConn speaks newline-delimited JSON frames over a unix domain socket
// to the WebView host process.
type SocketConn struct {
	conn    net.Conn
	frames  chan []byte
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Dial connects to the native host's bridge socket and starts the read loop.
func Dial(path string) (*SocketConn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial bridge socket %s: %w", path, err)
	}

	s := &SocketConn{
		conn:   conn,
		frames: make(chan []byte, 16),
		logger: slog.Default().With("component", "bridge_socket", "path", path),
	}
	go s.readLoop()
	return s, nil
}

func (s *SocketConn) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *SocketConn) Frames() <-chan []byte {
	return s.frames
}

func (s *SocketConn) Close() error {
	return s.conn.Close()
}

func (s *SocketConn) readLoop() {
	defer close(s.frames)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		s.frames <- frame
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("bridge socket read failed", "error", err)
	}
}
