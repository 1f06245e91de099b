package containers

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/fred-drake/carapace/internal/bus"
	"github.com/fred-drake/carapace/internal/reader"
	"github.com/fred-drake/carapace/internal/session"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// ResumeStore is the narrow surface the manager and its readers need from
// internal/resume: look up a token to seed a restarted agent, and persist
// one as the attached reader observes response.system/response.end events.
type ResumeStore interface {
	GetLatest(ctx context.Context, group string) (claudeSessionID string, ok bool, err error)
	Save(ctx context.Context, group, claudeSessionID string) error
}

// Config configures the lifecycle manager's spawn behaviour.
type Config struct {
	Image              string
	RequestsSocketPath string
	EventsSocketPath   string
	TmpfsPath          string
	NetworkMode        string
	MaxPerGroup        int
	SpawnQueueCapacity int
	StopTimeout        time.Duration
}

type managedContainer struct {
	id       string
	group    string
	identity string
}

// Manager spawns agent containers on triggering bus events, supervises
// them, enforces the per-group concurrency cap, and tears everything down
// on shutdown.
type Manager struct {
	runtime   Runtime
	sessions  *session.Manager
	resume    ResumeStore
	publisher bus.Publisher
	sanitizer reader.Sanitizer
	cfg       Config

	// SpawnQueueShed, when set, receives one increment per trigger shed for
	// queue overflow.
	SpawnQueueShed metric.Int64Counter

	mu           sync.Mutex
	running      map[string]*managedContainer // containerID -> info
	groupRunning map[string]int
	queue        map[string][]string // group -> ids of queued triggers waiting for a slot
}

// New builds a Manager. resume and sanitizer may be nil.
func New(runtime Runtime, sessions *session.Manager, resume ResumeStore, publisher bus.Publisher, sanitizer reader.Sanitizer, cfg Config) *Manager {
	if cfg.MaxPerGroup <= 0 {
		cfg.MaxPerGroup = 1
	}
	if cfg.SpawnQueueCapacity <= 0 {
		cfg.SpawnQueueCapacity = 8
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Manager{
		runtime:      runtime,
		sessions:     sessions,
		resume:       resume,
		publisher:    publisher,
		sanitizer:    sanitizer,
		cfg:          cfg,
		running:      make(map[string]*managedContainer),
		groupRunning: make(map[string]int),
		queue:        make(map[string][]string),
	}
}

// HandleTrigger reacts to a subscribed bus.Event. Call this from a
// bus.Handler registered for message.inbound / task.triggered.
func (m *Manager) HandleTrigger(ctx context.Context, group string) {
	m.mu.Lock()
	if m.groupRunning[group] >= m.cfg.MaxPerGroup {
		m.queue[group] = append(m.queue[group], uuid.NewString())
		if len(m.queue[group]) > m.cfg.SpawnQueueCapacity {
			shed := m.queue[group][0]
			m.queue[group] = m.queue[group][1:]
			m.mu.Unlock()
			slog.Warn("containers.spawn_queue_shed", "group", group, "shed", shed)
			if m.SpawnQueueShed != nil {
				m.SpawnQueueShed.Add(ctx, 1)
			}
			m.emitAgentError(group, "spawn queue overflow, oldest trigger shed")
			return
		}
		m.mu.Unlock()
		return
	}
	m.groupRunning[group]++
	m.mu.Unlock()

	if err := m.spawn(ctx, group); err != nil {
		slog.Error("containers.spawn_failed", "group", group, "error", err)
		m.emitAgentError(group, err.Error())
		m.mu.Lock()
		m.groupRunning[group]--
		m.mu.Unlock()
	}
}

func (m *Manager) spawn(ctx context.Context, group string) error {
	// The session (and its id, carried into the container environment) must
	// exist before the container starts, so the connection identity is
	// minted here rather than reusing the runtime's container id.
	identity := uuid.NewString()
	sess, err := m.sessions.BindOrCreate(identity, group, "")
	if err != nil {
		return fmt.Errorf("containers: bind session: %w", err)
	}

	env := map[string]string{
		"GROUP":               group,
		"SESSION_ID":          sess.ID,
		"CONNECTION_IDENTITY": identity,
	}
	if m.resume != nil {
		if token, ok, err := m.resume.GetLatest(ctx, group); err == nil && ok {
			env["CLAUDE_RESUME_SESSION_ID"] = token
		}
	}

	spec := RunSpec{
		Image:       m.cfg.Image,
		Env:         env,
		Binds:       []string{m.cfg.RequestsSocketPath + ":/run/sockets/requests.sock", m.cfg.EventsSocketPath + ":/run/sockets/events.sock"},
		TmpfsPath:   m.cfg.TmpfsPath,
		NetworkMode: m.cfg.NetworkMode,
		User:        "65534:65534",
		ReadOnly:    true,
		CapDrop:     []string{"ALL"},
	}

	handle, err := m.runtime.Run(ctx, spec)
	if err != nil {
		m.sessions.Destroy(identity)
		return fmt.Errorf("containers: run: %w", err)
	}
	m.sessions.AttachContainer(identity, handle.ID)

	m.mu.Lock()
	m.running[handle.ID] = &managedContainer{id: handle.ID, group: group, identity: identity}
	m.mu.Unlock()

	rd := reader.New(handle.ID, group, m.publisher, m.resume, m.sanitizer)
	go m.supervise(identity, handle, rd)

	m.publish(group, protocol.TopicAgentStarted, map[string]any{"containerId": handle.ID})
	return nil
}

func (m *Manager) supervise(identity string, handle Handle, rd *reader.Reader) {
	ctx := context.Background()
	err := rd.Run(ctx, handle.Stdout)
	handle.Stdout.Close()

	m.mu.Lock()
	mc, ok := m.running[handle.ID]
	if ok {
		delete(m.running, handle.ID)
		m.groupRunning[mc.group]--
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("containers.reader_failed", "container", handle.ID, "error", err)
		if ok {
			m.publish(mc.group, protocol.TopicAgentError, map[string]any{"containerId": handle.ID, "reason": err.Error()})
		}
	} else if ok {
		m.publish(mc.group, protocol.TopicAgentCompleted, map[string]any{"containerId": handle.ID})
	}
	m.sessions.Destroy(identity)

	if ok {
		m.drainQueue(mc.group)
	}
}

func (m *Manager) drainQueue(group string) {
	ctx := context.Background()
	m.mu.Lock()
	if len(m.queue[group]) == 0 || m.groupRunning[group] >= m.cfg.MaxPerGroup {
		m.mu.Unlock()
		return
	}
	m.queue[group] = m.queue[group][1:]
	m.groupRunning[group]++
	m.mu.Unlock()

	if err := m.spawn(ctx, group); err != nil {
		slog.Error("containers.spawn_failed", "group", group, "error", err)
		m.mu.Lock()
		m.groupRunning[group]--
		m.mu.Unlock()
	}
}

// Stop asks every managed container to stop, then remove, in parallel;
// containers still alive after the grace window are force-killed.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
			defer cancel()
			if err := m.runtime.Stop(stopCtx, id, m.cfg.StopTimeout); err != nil {
				slog.Warn("containers.stop_failed", "container", id, "error", err)
				_ = m.runtime.Kill(ctx, id)
			}
			_ = m.runtime.Remove(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) emitAgentError(group, reason string) {
	m.publish(group, protocol.TopicAgentError, map[string]any{"reason": reason})
}

func (m *Manager) publish(group, topic string, payload map[string]any) {
	env, err := protocol.NewEnvelope(protocol.TypeEvent, "containers", group, topic, "", payload)
	if err != nil {
		slog.Error("containers.envelope_failed", "error", err)
		return
	}
	m.publisher.Publish(bus.Event{Topic: topic, Envelope: env})
}

// SocketPath joins a run directory and filename, used by callers building
// a Config from config.SocketsConfig.
func SocketPath(dir, file string) string {
	return filepath.Join(dir, file)
}
