package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// ModuleSink receives discovered test modules
type ModuleSink interface {
	// AddModule schedules a module for execution
	AddModule(module types.TestModule) error
	// CompleteModules signals that no more modules will be added
	CompleteModules()
}

// Listener accepts build coordinator connections on a unix socket and forwards
// every module they report to a ModuleSink. Each connection is served on its
// own goroutine. Cancelling the context passed to Run closes the socket and
// every open connection, so Run returns promptly.
type Listener struct {
	log        log.Logger
	socketPath string
	sink       ModuleSink
	ln         net.Listener

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	active      int
	idle        chan struct{}
	modules     int
	buildFailed bool
	exitCode    int
	closed      bool
}

// NewListener creates the socket at socketPath
func NewListener(logger log.Logger, socketPath string, sink ModuleSink) (*Listener, error) {
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if logger == nil {
		logger = log.New()
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	return &Listener{
		log:        logger.New("component", "discovery-listener"),
		socketPath: socketPath,
		sink:       sink,
		ln:         ln,
		conns:      make(map[net.Conn]struct{}),
		idle:       make(chan struct{}),
	}, nil
}

// SocketPath returns the path build coordinators connect to
func (l *Listener) SocketPath() string {
	return l.socketPath
}

// Run accepts connections until ctx is cancelled. It returns once the accept
// loop and every connection handler have stopped.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.shutdown)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	l.log.Debug("Listening for build coordinator", "socket", l.socketPath)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.log.Debug("Listener stopped", "modules", l.Modules())
				return nil
			}
			l.shutdown()
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		if !l.track(conn) {
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.untrack(conn)
			l.serve(conn)
		}()
	}
}

// WaitIdle blocks until no connection is being served or ctx is done
func (l *Listener) WaitIdle(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.active == 0 {
			l.mu.Unlock()
			return nil
		}
		idle := l.idle
		l.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BuildFailed reports whether a build coordinator signalled a discovery failure, and its exit code
func (l *Listener) BuildFailed() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buildFailed, l.exitCode
}

// Modules returns the number of modules accepted so far
func (l *Listener) Modules() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modules
}

// Close closes the socket and removes the socket file. It is safe to call more than once.
func (l *Listener) Close() error {
	l.shutdown()
	if err := os.Remove(l.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove socket %s: %w", l.socketPath, err)
	}
	return nil
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	_ = l.ln.Close()
	for conn := range l.conns {
		_ = conn.Close()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	l.active++
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	_ = conn.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
	l.active--
	if l.active == 0 {
		close(l.idle)
		l.idle = make(chan struct{})
	}
}

// serve handles one build coordinator connection
func (l *Listener) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var msg Message
		reply := Message{Type: MessageAck}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			reply = errorReply(fmt.Errorf("invalid message: %w", err))
		} else if err := l.handle(msg); err != nil {
			reply = errorReply(err)
		}
		if err := enc.Encode(reply); err != nil {
			l.log.Debug("Failed to reply to build coordinator", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Warn("Failed reading from build coordinator", "err", err)
	}
}

func (l *Listener) handle(msg Message) error {
	switch msg.Type {
	case MessageModule:
		if msg.Path == "" {
			return errors.New("module path cannot be empty")
		}
		if err := l.sink.AddModule(msg.TestModule); err != nil {
			return fmt.Errorf("failed to add module %s: %w", msg.Path, err)
		}
		l.mu.Lock()
		l.modules++
		l.mu.Unlock()
		l.log.Info("Discovered test module", "path", msg.Path, "framework", msg.TargetFramework)
		return nil
	case MessageBuildFailed:
		l.mu.Lock()
		l.buildFailed = true
		l.exitCode = msg.ExitCode
		l.mu.Unlock()
		l.log.Error("Build coordinator reported a discovery failure", "exitCode", msg.ExitCode, "message", msg.Message)
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func errorReply(err error) Message {
	return Message{Type: MessageError, Message: err.Error()}
}
