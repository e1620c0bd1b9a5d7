package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/terrors"
)

// allowedStdioCommands is the executable allow-list spec §4.1 requires:
// "node, npx, python, uvx, or absolute paths configured explicitly".
var allowedStdioCommands = map[string]bool{
	"node":   true,
	"npx":    true,
	"python": true,
	"python3": true,
	"uvx":    true,
}

// StdioConfig configures a Stdio transport (spec §3 TransportSpec.Stdio).
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	// MaxMemoryBytes and MaxOpenFiles are resource limits applied at spawn
	// where the platform supports it (spec §4.1).
	MaxMemoryBytes int64
	MaxOpenFiles   int

	// StdinQueueDepth bounds the in-memory request queue drained to the
	// child's stdin (spec §5 Backpressure; default 256).
	StdinQueueDepth int

	// StderrRingBytes bounds the captured stderr ring buffer (SPEC_FULL.md
	// supplemented diagnostics; default 4 KiB).
	StderrRingBytes int

	// RestartGrace is how long Close waits after SIGTERM before SIGKILL.
	RestartGrace time.Duration
}

func (c *StdioConfig) setDefaults() {
	if c.StdinQueueDepth <= 0 {
		c.StdinQueueDepth = 256
	}
	if c.StderrRingBytes <= 0 {
		c.StderrRingBytes = 4096
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = 5 * time.Second
	}
}

// validateCommand enforces the allow-list unless an absolute path was
// configured explicitly, per spec §4.1.
func validateCommand(cmd string) error {
	if allowedStdioCommands[cmd] {
		return nil
	}
	if strings.HasPrefix(cmd, "/") || (runtime.GOOS == "windows" && len(cmd) > 1 && cmd[1] == ':') {
		return nil
	}
	return fmt.Errorf("%w: command %q is not on the allow-list and is not an absolute path", terrors.ErrDial, cmd)
}

// waiter is a pending request awaiting its correlated response.
type waiter struct {
	ch chan waiterResult
}

type waiterResult struct {
	resp *jsonrpc.Response
	err  error
}

// Stdio speaks newline-delimited JSON-RPC to a child process (spec §4.1). A
// single serializer goroutine drains an in-memory queue to stdin; a single
// reader goroutine parses stdout lines and routes responses to waiters by a
// correlation id that rewrites the caller's original id to a monotonically
// increasing integer, restoring it on reply, so concurrent callers can never
// collide even if they reuse ids.
type Stdio struct {
	cfg StdioConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	current *spawn
	started bool
	closed  bool

	nextCorrelation atomic.Int64

	waitersMu sync.Mutex
	waiters   map[int64]*waiterOrigID

	stderrMu  sync.Mutex
	stderrBuf []byte
}

type waiterOrigID struct {
	w      *waiter
	origID jsonrpc.ID
}

type submission struct {
	data []byte
	done chan error
}

// spawn is one child process incarnation's serializer state: its own
// submit queue and stop signal, so an autonomous child exit (waitLoop)
// can retire exactly this incarnation's serializerLoop without disturbing
// whatever incarnation ensureStarted spawns next. Restarting never reuses
// a prior spawn's channel, so the old serializerLoop always drains to
// completion and exits instead of racing a newly spawned one over a
// shared queue.
type spawn struct {
	submit chan submission
	stdin  io.WriteCloser

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (sp *spawn) stop() {
	sp.stopOnce.Do(func() { close(sp.stopCh) })
}

// NewStdio constructs a Stdio transport. The child process is not spawned
// until the first Dispatch call (lazy restart semantics, spec §4.1); Probe
// does not spawn it and reports a child that is not running as closed.
func NewStdio(cfg StdioConfig) (*Stdio, error) {
	if err := validateCommand(cfg.Command); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &Stdio{
		cfg:     cfg,
		waiters: make(map[int64]*waiterOrigID),
	}, nil
}

// ensureStarted spawns the child process if it is not already running,
// implementing "the process is restarted lazily on the next dispatch"
// (spec §4.1).
func (s *Stdio) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.closed {
		return nil
	}
	s.closed = false

	cmd := exec.CommandContext(context.Background(), s.cfg.Command, s.cfg.Args...)
	cmd.Env = s.cfg.Env
	cmd.Dir = s.cfg.Dir
	applyResourceLimits(cmd, s.cfg)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDial, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDial, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDial, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDial, err)
	}

	sp := &spawn{
		submit: make(chan submission, s.cfg.StdinQueueDepth),
		stdin:  stdin,
		stopCh: make(chan struct{}),
	}
	s.cmd = cmd
	s.current = sp
	s.started = true

	go s.serializerLoop(sp)
	go s.readerLoop(stdout)
	go s.stderrLoop(stderr)
	go s.waitLoop(cmd, sp)

	return nil
}

// serializerLoop drains sp.submit to sp.stdin, one write at a time, so
// concurrent Dispatch callers never interleave partial JSON lines. It exits
// as soon as sp.stopCh is closed (by waitLoop on autonomous child exit, or
// by Close), never outliving the incarnation it was spawned for.
func (s *Stdio) serializerLoop(sp *spawn) {
	for {
		select {
		case sub := <-sp.submit:
			_, err := sp.stdin.Write(append(sub.data, '\n'))
			sub.done <- err
		case <-sp.stopCh:
			return
		}
	}
}

// readerLoop parses stdout lines and routes responses to waiters.
func (s *Stdio) readerLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := sanitizeJSONString(scanner.Text())
		if line == "" {
			continue
		}
		s.routeResponse([]byte(line))
	}
	s.failAllWaiters(terrors.ErrClosed)
}

func (s *Stdio) routeResponse(line []byte) {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *jsonrpc.Error  `json:"error"`
	}
	if err := json.Unmarshal(line, &wire); err != nil {
		logger.Get().Warnw("stdio: unparseable response line", "err", err)
		return
	}
	var correlation int64
	if err := json.Unmarshal(wire.ID, &correlation); err != nil {
		logger.Get().Warnw("stdio: response id is not our correlation integer", "id", string(wire.ID))
		return
	}

	s.waitersMu.Lock()
	wo, ok := s.waiters[correlation]
	if ok {
		delete(s.waiters, correlation)
	}
	s.waitersMu.Unlock()
	if !ok {
		return
	}

	resp := &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: wo.origID, Result: wire.Result, Error: wire.Error}
	wo.w.ch <- waiterResult{resp: resp}
}

func (s *Stdio) stderrLoop(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.appendStderr(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Stdio) appendStderr(b []byte) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	s.stderrBuf = append(s.stderrBuf, b...)
	if over := len(s.stderrBuf) - s.cfg.StderrRingBytes; over > 0 {
		s.stderrBuf = s.stderrBuf[over:]
	}
}

// Stderr implements Diagnostics.
func (s *Stdio) Stderr() []byte {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]byte, len(s.stderrBuf))
	copy(out, s.stderrBuf)
	return out
}

func (s *Stdio) waitLoop(cmd *exec.Cmd, sp *spawn) {
	_ = cmd.Wait()
	s.mu.Lock()
	s.started = false
	s.closed = true
	s.mu.Unlock()
	sp.stop()
	s.failAllWaiters(terrors.ErrClosed)
}

func (s *Stdio) failAllWaiters(cause error) {
	s.waitersMu.Lock()
	waiters := s.waiters
	s.waiters = make(map[int64]*waiterOrigID)
	s.waitersMu.Unlock()
	for _, wo := range waiters {
		wo.w.ch <- waiterResult{err: terrors.New(cause, true)}
	}
}

// Dispatch implements Transport.
func (s *Stdio) Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	if err := s.ensureStarted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	sp := s.current
	s.mu.Unlock()

	notification := req.IsNotification()
	correlation := s.nextCorrelation.Add(1)

	wire := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: jsonrpc.Version, Method: req.Method, Params: req.Params}
	if !notification {
		wire.ID = &correlation
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), false)
	}

	var w *waiter
	if !notification {
		w = &waiter{ch: make(chan waiterResult, 1)}
		s.waitersMu.Lock()
		s.waiters[correlation] = &waiterOrigID{w: w, origID: req.ID}
		s.waitersMu.Unlock()
	}

	done := make(chan error, 1)
	select {
	case sp.submit <- submission{data: data, done: done}:
	default:
		s.removeWaiter(correlation)
		return nil, terrors.New(terrors.ErrBackpressure, false)
	}

	select {
	case err := <-done:
		if err != nil {
			s.removeWaiter(correlation)
			return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), true)
		}
	case <-ctx.Done():
		s.removeWaiter(correlation)
		return nil, terrors.New(terrors.ErrTimeout, false)
	}

	if notification {
		return nil, nil
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		s.removeWaiter(correlation)
		return nil, terrors.New(terrors.ErrTimeout, false)
	}
}

func (s *Stdio) removeWaiter(correlation int64) {
	s.waitersMu.Lock()
	delete(s.waiters, correlation)
	s.waitersMu.Unlock()
}

// Probe implements Transport with a lightweight process-liveness check
// (spec §4.3: "for Stdio: a lightweight MCP ping-equivalent or process
// liveness check").
func (s *Stdio) Probe(ctx context.Context) error {
	s.mu.Lock()
	alive := s.started && !s.closed
	s.mu.Unlock()
	if !alive {
		return terrors.New(terrors.ErrClosed, true)
	}
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: jsonrpc.NewID("probe"), Method: "ping"}
	_, err := s.Dispatch(ctx, req)
	return err
}

// Close terminates the child process: SIGTERM, then SIGKILL after
// RestartGrace (spec §3 Lifecycle, §4.5).
func (s *Stdio) Close(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	sp := s.current
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if sp != nil {
		sp.stop()
	}
	if err := terminate(cmd); err != nil {
		logger.Get().Warnw("stdio: terminate failed", "err", err)
	}

	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.RestartGrace):
		return kill(cmd)
	case <-ctx.Done():
		return kill(cmd)
	}
}

// sanitizeJSONString strips replacement characters, control characters, and
// any leading/trailing non-JSON noise a misbehaving child might write to
// stdout, returning the empty string when no JSON object can be recovered.
// Grounded on the teacher's pkg/transport stdio sanitization
// (stdio_test.go TestSanitizeJSONString).
func sanitizeJSONString(s string) string {
	s = strings.ReplaceAll(s, "�", "")
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return ""
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return ""
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &arr); err == nil {
		if len(arr) == 0 {
			return ""
		}
		return string(arr[0])
	}
	return candidate
}

