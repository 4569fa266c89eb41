// Package instance supervises per-workspace agent server processes.
// Each workspace gets its own `opencode serve` on a loopback port;
// the manager starts them on demand, evicts the least recently used
// when over capacity, and reaps the ones that sit idle. In shared
// mode the manager fronts a single externally managed server instead
// of spawning anything.
package instance

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/retry"

	"github.com/ocbridge/ocbridge/opencodesdk"
)

var (
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = xerrors.New("instance manager is closed")
	// ErrNotRunning is returned when an operation needs a live
	// instance for a workspace that has none.
	ErrNotRunning = xerrors.New("instance is not running")
)

// Process is a running agent server. The default implementation wraps
// an exec.Cmd; tests substitute fakes, and adopted servers (found
// already listening on a persisted port) carry no process at all.
type Process interface {
	// URL is the base URL the server listens on.
	URL() string
	// Signal delivers sig to the process. Adopted servers return
	// ErrNotRunning.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill()
	// Done is closed when the process exits. It is nil for adopted
	// servers, which never exit from our perspective.
	Done() <-chan struct{}
}

// SpawnFunc starts an agent server for workspace on port.
type SpawnFunc func(ctx context.Context, workspace string, port int) (Process, error)

// Config configures a Manager. Zero values get sensible defaults.
type Config struct {
	Logger slog.Logger
	// Command is the agent server binary. Defaults to "opencode".
	Command string
	// SharedURL, when set, disables spawning entirely: every
	// workspace maps to the one server at this URL.
	SharedURL string
	// MaxInstances caps concurrently running servers. Defaults
	// to 5.
	MaxInstances int
	// IdleTimeout is how long an instance may go unused before
	// SweepIdle stops it. Defaults to one hour.
	IdleTimeout time.Duration
	// HealthInterval and HealthAttempts bound the post-spawn health
	// poll. Defaults: 250ms and 80, roughly twenty seconds.
	HealthInterval time.Duration
	HealthAttempts int
	// EventBuffer is the per-subscriber channel capacity. Defaults
	// to 2048.
	EventBuffer int
	// Spawn overrides process creation, for tests.
	Spawn SpawnFunc
	// Clock overrides time, for tests.
	Clock quartz.Clock
}

// Manager owns the set of running instances.
type Manager struct {
	cfg    Config
	logger slog.Logger
	clock  quartz.Clock

	mu        sync.Mutex
	instances map[string]*Instance
	starting  map[string]chan struct{}
	shared    *Instance
	closed    bool
}

// New creates a Manager. In shared mode the shared instance is
// constructed eagerly; its health is checked on first use.
func New(cfg Config) (*Manager, error) {
	if cfg.Command == "" {
		cfg.Command = "opencode"
	}
	if cfg.MaxInstances == 0 {
		cfg.MaxInstances = 5
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 250 * time.Millisecond
	}
	if cfg.HealthAttempts == 0 {
		cfg.HealthAttempts = 80
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 2048
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = spawnCommand(cfg.Command)
	}

	m := &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		instances: make(map[string]*Instance),
		starting:  make(map[string]chan struct{}),
	}
	if cfg.SharedURL != "" {
		client, err := opencodesdk.New(cfg.SharedURL)
		if err != nil {
			return nil, xerrors.Errorf("parse shared server url: %w", err)
		}
		m.shared = newInstance(m, "", &adoptedProcess{url: cfg.SharedURL}, client)
	}
	return m, nil
}

// Shared reports whether the manager fronts a single shared server.
func (m *Manager) Shared() bool {
	return m.shared != nil
}

// MaxInstances returns the configured concurrency cap.
func (m *Manager) MaxInstances() int {
	return m.cfg.MaxInstances
}

// EnsureRunning returns a healthy instance for workspace, starting
// one if needed. preferredPort, when non-zero, is probed first so a
// server surviving a bridge restart is adopted instead of respawned.
func (m *Manager) EnsureRunning(ctx context.Context, workspace string, preferredPort int) (*Instance, error) {
	if m.shared != nil {
		m.shared.touch(m.clock.Now())
		return m.shared, nil
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if inst, ok := m.instances[workspace]; ok {
			m.mu.Unlock()
			if inst.alive() && inst.client.Healthy(ctx) {
				inst.touch(m.clock.Now())
				return inst, nil
			}
			m.logger.Warn(ctx, "instance unhealthy, restarting",
				slog.F("workspace", workspace))
			m.stopInstance(workspace, inst)
			continue
		}
		if ready, ok := m.starting[workspace]; ok {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ready:
			}
			continue
		}
		ready := make(chan struct{})
		m.starting[workspace] = ready
		evicted := m.evictForCapacityLocked(ctx)
		m.mu.Unlock()

		// The cap bounds live processes, so the evicted instance
		// must be fully stopped before its replacement spawns.
		for _, old := range evicted {
			old.stop()
		}

		inst, err := m.start(ctx, workspace, preferredPort)

		m.mu.Lock()
		delete(m.starting, workspace)
		if err == nil {
			if m.closed {
				m.mu.Unlock()
				close(ready)
				inst.stop()
				return nil, ErrClosed
			}
			m.instances[workspace] = inst
		}
		m.mu.Unlock()
		close(ready)

		if err != nil {
			return nil, err
		}
		return inst, nil
	}
}

// evictForCapacityLocked removes the least recently used instances
// until there is room for one more and returns them for the caller
// to stop outside the lock. Callers hold m.mu.
func (m *Manager) evictForCapacityLocked(ctx context.Context) []*Instance {
	var evicted []*Instance
	for len(m.instances)+len(m.starting) > m.cfg.MaxInstances {
		var oldest *Instance
		var oldestWorkspace string
		for workspace, inst := range m.instances {
			if oldest == nil || inst.lastUsed().Before(oldest.lastUsed()) {
				oldest = inst
				oldestWorkspace = workspace
			}
		}
		if oldest == nil {
			break
		}
		m.logger.Info(ctx, "evicting least recently used instance",
			slog.F("workspace", oldestWorkspace))
		delete(m.instances, oldestWorkspace)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// start spawns (or adopts) a server and waits for it to pass health
// checks.
func (m *Manager) start(ctx context.Context, workspace string, preferredPort int) (*Instance, error) {
	if preferredPort > 0 {
		url := fmt.Sprintf("http://127.0.0.1:%d", preferredPort)
		client, err := opencodesdk.New(url)
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			healthy := client.Healthy(probeCtx)
			cancel()
			if healthy {
				m.logger.Info(ctx, "adopted running instance",
					slog.F("workspace", workspace),
					slog.F("port", preferredPort))
				inst := newInstance(m, workspace, &adoptedProcess{url: url}, client)
				inst.startPump()
				return inst, nil
			}
		}
	}

	port, err := freePort()
	if err != nil {
		return nil, xerrors.Errorf("allocate port: %w", err)
	}
	proc, err := m.cfg.Spawn(ctx, workspace, port)
	if err != nil {
		return nil, xerrors.Errorf("spawn instance for %q: %w", workspace, err)
	}
	client, err := opencodesdk.New(proc.URL())
	if err != nil {
		proc.Kill()
		return nil, xerrors.Errorf("parse instance url: %w", err)
	}

	if err := m.awaitHealthy(ctx, client, proc); err != nil {
		proc.Kill()
		return nil, err
	}
	m.logger.Info(ctx, "instance started",
		slog.F("workspace", workspace),
		slog.F("url", proc.URL()))
	// The pump starts with the instance so no events are missed
	// before the first subscriber shows up.
	inst := newInstance(m, workspace, proc, client)
	inst.startPump()
	return inst, nil
}

// awaitHealthy polls the health endpoint until it passes, the poll
// budget runs out, or the process dies.
func (m *Manager) awaitHealthy(ctx context.Context, client *opencodesdk.Client, proc Process) error {
	deadline := time.Duration(m.cfg.HealthAttempts) * m.cfg.HealthInterval
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	r := retry.New(m.cfg.HealthInterval, m.cfg.HealthInterval)
	for {
		if client.Healthy(ctx) {
			return nil
		}
		select {
		case <-proc.Done():
			return xerrors.New("instance exited before becoming healthy")
		default:
		}
		if !r.Wait(ctx) {
			return xerrors.New("instance did not become healthy in time")
		}
	}
}

// Get returns the running instance for workspace, if any.
func (m *Manager) Get(workspace string) (*Instance, bool) {
	if m.shared != nil {
		return m.shared, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[workspace]
	return inst, ok
}

// Stop terminates the instance for workspace.
func (m *Manager) Stop(workspace string) error {
	if m.shared != nil {
		return nil
	}
	m.mu.Lock()
	inst, ok := m.instances[workspace]
	if ok {
		delete(m.instances, workspace)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	inst.stop()
	return nil
}

func (m *Manager) stopInstance(workspace string, inst *Instance) {
	m.mu.Lock()
	if m.instances[workspace] == inst {
		delete(m.instances, workspace)
	}
	m.mu.Unlock()
	inst.stop()
}

// SweepIdle stops instances unused for longer than the idle timeout
// and returns how many were stopped. The shared server is never
// swept.
func (m *Manager) SweepIdle(ctx context.Context) int {
	if m.shared != nil {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Instance
	for workspace, inst := range m.instances {
		if inst.lastUsed().Before(cutoff) {
			m.logger.Info(ctx, "stopping idle instance",
				slog.F("workspace", workspace))
			delete(m.instances, workspace)
			idle = append(idle, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range idle {
		inst.stop()
	}
	return len(idle)
}

// Running returns the workspaces with a live instance.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	workspaces := make([]string, 0, len(m.instances))
	for workspace := range m.instances {
		workspaces = append(workspaces, workspace)
	}
	return workspaces
}

// Close stops every instance and rejects further starts.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.stop()
	}
	if m.shared != nil {
		m.shared.stop()
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, xerrors.New("listener address is not tcp")
	}
	return addr.Port, nil
}

// spawnCommand returns the default SpawnFunc running `command serve`
// in the workspace directory.
func spawnCommand(command string) SpawnFunc {
	return func(_ context.Context, workspace string, port int) (Process, error) {
		// The process is parented to Background so it outlives the
		// spawning request.
		ctx, cancel := context.WithCancel(context.Background())
		cmd := exec.CommandContext(ctx, command,
			"serve",
			"--hostname", "127.0.0.1",
			"--port", strconv.Itoa(port),
		)
		cmd.Dir = workspace
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		// WaitDelay ensures Wait returns promptly after the process
		// is killed even if children hold the pipes open.
		cmd.WaitDelay = 5 * time.Second

		if err := cmd.Start(); err != nil {
			cancel()
			return nil, xerrors.Errorf("start %s: %w", command, err)
		}

		proc := &execProcess{
			url:    fmt.Sprintf("http://127.0.0.1:%d", port),
			cmd:    cmd,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		go func() {
			_ = cmd.Wait()
			close(proc.done)
		}()
		return proc, nil
	}
}

type execProcess struct {
	url    string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *execProcess) URL() string { return p.url }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() {
	p.cancel()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// adoptedProcess fronts a server this bridge did not spawn and must
// not kill.
type adoptedProcess struct {
	url string
}

func (p *adoptedProcess) URL() string            { return p.url }
func (p *adoptedProcess) Signal(os.Signal) error { return ErrNotRunning }
func (p *adoptedProcess) Kill()                  {}
func (p *adoptedProcess) Done() <-chan struct{}  { return nil }

// Instance is one supervised agent server.
type Instance struct {
	manager *Manager
	logger  slog.Logger

	workspace string
	proc      Process
	client    *opencodesdk.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	used        time.Time
	subscribers map[uuid.UUID]chan opencodesdk.Event
	pumping     bool
	stopped     bool
}

func newInstance(m *Manager, workspace string, proc Process, client *opencodesdk.Client) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		manager:     m,
		logger:      m.logger.Named("instance").With(slog.F("workspace", workspace)),
		workspace:   workspace,
		proc:        proc,
		client:      client,
		ctx:         ctx,
		cancel:      cancel,
		used:        m.clock.Now(),
		subscribers: make(map[uuid.UUID]chan opencodesdk.Event),
	}
}

// Client returns the SDK client for this instance.
func (i *Instance) Client() *opencodesdk.Client { return i.client }

// URL returns the server's base URL.
func (i *Instance) URL() string { return i.proc.URL() }

// Workspace returns the directory this instance serves. Empty in
// shared mode.
func (i *Instance) Workspace() string { return i.workspace }

// Port returns the loopback port, or 0 when the URL has none.
func (i *Instance) Port() int {
	if i.client.URL.Port() == "" {
		return 0
	}
	port, _ := strconv.Atoi(i.client.URL.Port())
	return port
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.used = now
	i.mu.Unlock()
}

func (i *Instance) lastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.used
}

func (i *Instance) alive() bool {
	select {
	case <-i.proc.Done():
		return false
	default:
		return true
	}
}

// startPump connects to the server's event stream once. Spawned and
// adopted instances start it immediately; the shared instance starts
// it on first subscribe.
func (i *Instance) startPump() {
	i.mu.Lock()
	start := !i.pumping && !i.stopped
	if start {
		i.pumping = true
	}
	i.mu.Unlock()
	if start {
		go i.pump()
	}
}

// Subscribe registers an event channel.
func (i *Instance) Subscribe(id uuid.UUID) <-chan opencodesdk.Event {
	ch := make(chan opencodesdk.Event, i.manager.cfg.EventBuffer)
	i.mu.Lock()
	i.subscribers[id] = ch
	i.mu.Unlock()

	i.startPump()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (i *Instance) Unsubscribe(id uuid.UUID) {
	i.mu.Lock()
	ch, ok := i.subscribers[id]
	if ok {
		delete(i.subscribers, id)
	}
	i.mu.Unlock()
	if ok {
		close(ch)
	}
}

// publish fans an event out to all subscribers. Slow subscribers
// lose events rather than stalling the pump.
func (i *Instance) publish(event opencodesdk.Event) {
	i.mu.Lock()
	channels := make([]chan opencodesdk.Event, 0, len(i.subscribers))
	for _, ch := range i.subscribers {
		channels = append(channels, ch)
	}
	i.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			i.logger.Warn(i.ctx, "dropping event for slow subscriber",
				slog.F("type", event.Type))
		}
	}
}

// pump maintains the event stream connection and fans events out,
// reconnecting with backoff until the instance stops.
func (i *Instance) pump() {
	r := retry.New(250*time.Millisecond, 5*time.Second)
	for {
		events, closer, err := i.client.Events(i.ctx)
		if err != nil {
			if i.ctx.Err() != nil {
				return
			}
			i.logger.Warn(i.ctx, "event stream connect failed", slog.Error(err))
			if !r.Wait(i.ctx) {
				return
			}
			continue
		}
		r.Reset()
		for event := range events {
			i.publish(event)
		}
		_ = closer.Close()
		if i.ctx.Err() != nil {
			return
		}
		i.logger.Debug(i.ctx, "event stream ended, reconnecting")
		if !r.Wait(i.ctx) {
			return
		}
	}
}

// stop terminates the process gracefully: SIGTERM, a short grace
// period, then kill. Subscribers' channels are closed.
func (i *Instance) stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	subscribers := i.subscribers
	i.subscribers = make(map[uuid.UUID]chan opencodesdk.Event)
	i.mu.Unlock()

	i.cancel()
	for _, ch := range subscribers {
		close(ch)
	}

	if err := i.proc.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-i.proc.Done():
		case <-time.After(5 * time.Second):
			i.proc.Kill()
			if done := i.proc.Done(); done != nil {
				<-done
			}
		}
	} else {
		i.proc.Kill()
	}
}
