// Package display runs the per-worker virtual display: an Xvfb framebuffer
// and an x11vnc server that exposes it to remote viewers.
//
// Display numbers are handed out from Config.DisplayBase upwards and reused
// once released. The VNC port of a display is Config.BasePort plus its
// display number.
package display

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bhandras/delight/workerd/internal/logger"
)

const (
	// defaultStartupGrace is how long a freshly started process must stay up
	// before it is considered started.
	defaultStartupGrace = 500 * time.Millisecond
	// stopGrace is the wait after SIGTERM before escalating to SIGKILL.
	stopGrace = 200 * time.Millisecond
)

// Config controls the display service.
type Config struct {
	Width       int
	Height      int
	BasePort    int
	DisplayBase int

	// XvfbPath and VNCPath override the binaries that are executed.
	XvfbPath string
	VNCPath  string

	StartupGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.XvfbPath == "" {
		c.XvfbPath = "Xvfb"
	}
	if c.VNCPath == "" {
		c.VNCPath = "x11vnc"
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = defaultStartupGrace
	}
	return c
}

// Handle is a running display owned by one worker.
type Handle interface {
	// Port is the VNC port viewers connect to.
	Port() int
	// Display is the X DISPLAY value, e.g. ":3".
	Display() string
	// URL is the VNC connection URL.
	URL() string
	// Health reports process liveness.
	Health(ctx context.Context) Health
	// Stop terminates both processes and releases the display number.
	// It is safe to call more than once.
	Stop(ctx context.Context) error
}

// Launcher starts displays for sessions.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Handle, error)
}

// Health is the liveness report of a display.
type Health struct {
	IsRunning     bool   `json:"isRunning"`
	XvfbRunning   bool   `json:"xvfbRunning"`
	X11VNCRunning bool   `json:"x11vncRunning"`
	Display       string `json:"display"`
	VNCPort       int    `json:"vncPort"`
	VNCURL        string `json:"vncUrl"`
}

// Manager allocates display numbers and launches display processes.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	inUse map[int]string
}

// NewManager returns a display manager for cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults(), inUse: make(map[int]string)}
}

// InUse reports how many display numbers are currently allocated.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}

func (m *Manager) acquire(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.cfg.DisplayBase
	for {
		if _, taken := m.inUse[n]; !taken {
			m.inUse[n] = sessionID
			return n
		}
		n++
	}
}

func (m *Manager) release(n int) {
	m.mu.Lock()
	delete(m.inUse, n)
	m.mu.Unlock()
}

// Launch implements Launcher.
func (m *Manager) Launch(ctx context.Context, sessionID string) (Handle, error) {
	num := m.acquire(sessionID)
	s := &Server{
		mgr:       m,
		sessionID: sessionID,
		num:       num,
		port:      m.cfg.BasePort + num,
	}

	display := s.Display()
	xvfb, err := m.start(ctx, sessionID, m.cfg.XvfbPath,
		display,
		"-screen", "0", fmt.Sprintf("%dx%dx24", m.cfg.Width, m.cfg.Height),
		"-ac",
		"+extension", "RANDR",
	)
	if err != nil {
		m.release(num)
		return nil, fmt.Errorf("start xvfb on %s: %w", display, err)
	}
	s.xvfb = xvfb

	vnc, err := m.start(ctx, sessionID, m.cfg.VNCPath,
		"-display", display,
		"-rfbport", strconv.Itoa(s.port),
		"-forever",
		"-shared",
		"-nopw",
		"-quiet",
	)
	if err != nil {
		xvfb.stop()
		m.release(num)
		return nil, fmt.Errorf("start x11vnc on port %d: %w", s.port, err)
	}
	s.vnc = vnc

	logger.Infof("[display] started sid=%s display=%s port=%d", sessionID, display, s.port)
	return s, nil
}

// proc is a started child process with a single waiter goroutine.
type proc struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
}

func (m *Manager) start(ctx context.Context, sessionID, bin string, args ...string) (*proc, error) {
	p := &proc{done: make(chan struct{})}
	p.cmd = exec.Command(bin, args...)
	p.cmd.Stderr = &p.stderr
	configureProcessGroup(p.cmd)

	logger.Debugf("[display] exec sid=%s cmd=%s %s", sessionID, bin, strings.Join(args, " "))
	if err := p.cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		_ = p.cmd.Wait()
		close(p.done)
	}()

	t := time.NewTimer(m.cfg.StartupGrace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil, fmt.Errorf("%s exited during startup: %s", bin, strings.TrimSpace(p.stderr.String()))
	case <-ctx.Done():
		p.stop()
		return nil, ctx.Err()
	case <-t.C:
		return p, nil
	}
}

func (p *proc) running(ctx context.Context) bool {
	if p == nil || p.cmd.Process == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	ps, err := process.NewProcessWithContext(ctx, int32(p.cmd.Process.Pid))
	if err != nil {
		return false
	}
	ok, err := ps.IsRunningWithContext(ctx)
	return err == nil && ok
}

func (p *proc) stop() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	terminate(p.cmd)
	t := time.NewTimer(stopGrace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		kill(p.cmd)
		<-p.done
	}
}

// Server is a running Xvfb + x11vnc pair.
type Server struct {
	mgr       *Manager
	sessionID string
	num       int
	port      int
	xvfb      *proc
	vnc       *proc

	mu      sync.Mutex
	stopped bool
}

func (s *Server) Port() int       { return s.port }
func (s *Server) Display() string { return ":" + strconv.Itoa(s.num) }
func (s *Server) URL() string     { return fmt.Sprintf("vnc://localhost:%d", s.port) }

// Health implements Handle.
func (s *Server) Health(ctx context.Context) Health {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	h := Health{
		Display: s.Display(),
		VNCPort: s.port,
		VNCURL:  s.URL(),
	}
	if stopped {
		return h
	}
	h.XvfbRunning = s.xvfb.running(ctx)
	h.X11VNCRunning = s.vnc.running(ctx)
	h.IsRunning = h.XvfbRunning && h.X11VNCRunning
	return h
}

// Stop implements Handle.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.vnc.stop()
		s.xvfb.stop()
		close(done)
	}()

	defer s.mgr.release(s.num)
	select {
	case <-done:
		logger.Infof("[display] stopped sid=%s display=%s", s.sessionID, s.Display())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop display %s: %w", s.Display(), ctx.Err())
	}
}
