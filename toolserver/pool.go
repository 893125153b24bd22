package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout closes pooled connections unused for this long.
const DefaultIdleTimeout = 300 * time.Second

// Conn is one live tool-server connection: a child process spoken to over
// stdin/stdout. Calls on a connection are serialized.
type Conn struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	reader   *bufio.Scanner
	lastUsed time.Time
	closed   bool
}

func dial(command []string) (*Conn, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty tool server command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool server: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Conn{
		cmd:      cmd,
		stdin:    stdin,
		reader:   scanner,
		lastUsed: time.Now(),
	}, nil
}

// Call sends one request and blocks for its response line.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	req := Request{ID: "r-" + uuid.NewString()[:8], Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write request: %w", err)
	}

	type scanResult struct {
		ok  bool
		err error
	}
	scanCh := make(chan scanResult, 1)
	go func() {
		ok := c.reader.Scan()
		scanCh <- scanResult{ok: ok, err: c.reader.Err()}
	}()

	select {
	case <-ctx.Done():
		c.closeLocked()
		return nil, ctx.Err()
	case sr := <-scanCh:
		if !sr.ok {
			c.closeLocked()
			if sr.err != nil {
				return nil, fmt.Errorf("read response: %w", sr.err)
			}
			return nil, fmt.Errorf("tool server closed the connection")
		}
	}

	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.lastUsed = time.Now()
	return &resp, nil
}

// CallTool is the call_tool convenience wrapper.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*Response, error) {
	params := CallParams{Name: name, Arguments: args}
	if timeout > 0 {
		params.TimeoutMS = int(timeout.Milliseconds())
	}
	return c.Call(ctx, MethodCallTool, params)
}

// Healthy reports whether the child is still usable.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Close terminates the connection and reaps the child.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	go func() { _ = c.cmd.Wait() }()
	return nil
}

// Pool keeps at most one live connection per server name and closes
// connections idle past the timeout.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*Conn
	commands    map[string][]string
	idleTimeout time.Duration
	logger      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithIdleTimeout overrides the default 300 s idle timeout.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.idleTimeout = d
	}
}

// WithPoolLogger sets the slog logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool over a server-name to command-line mapping.
func NewPool(commands map[string][]string, opts ...PoolOption) *Pool {
	p := &Pool{
		conns:       make(map[string]*Conn),
		commands:    commands,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a healthy connection for the named server, reusing the pooled
// one when it is alive and fresh.
func (p *Pool) Get(serverName string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[serverName]; ok {
		if conn.Healthy() && time.Since(conn.idleSince()) < p.idleTimeout {
			return conn, nil
		}
		p.logger.Debug("Recycling stale tool connection", "server", serverName)
		_ = conn.Close()
		delete(p.conns, serverName)
	}

	command, ok := p.commands[serverName]
	if !ok {
		return nil, fmt.Errorf("unknown tool server: %s", serverName)
	}
	conn, err := dial(command)
	if err != nil {
		return nil, err
	}
	p.conns[serverName] = conn
	return conn, nil
}

// Close shuts down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, name)
	}
}
