package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fred-drake/carapace/internal/auditlog"
	"github.com/fred-drake/carapace/internal/bus"
	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/internal/confirm"
	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/containers"
	"github.com/fred-drake/carapace/internal/mcpbridge"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/internal/plugin"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/resume"
	"github.com/fred-drake/carapace/internal/sanitize"
	"github.com/fred-drake/carapace/internal/session"
	"github.com/fred-drake/carapace/internal/telemetry"
	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// resumeAdapter narrows internal/resume's Record-returning GetLatest to
// the plain-string surface internal/containers consumes, keeping the
// resume package's richer Record type out of the lifecycle manager's API —
// each collaborator sees only what it needs.
type resumeAdapter struct {
	store *resume.Store
}

func (a resumeAdapter) GetLatest(ctx context.Context, group string) (string, bool, error) {
	rec, ok, err := a.store.GetLatest(ctx, group)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.ClaudeSessionID, true, nil
}

func (a resumeAdapter) Save(ctx context.Context, group, claudeSessionID string) error {
	return a.store.Save(ctx, group, claudeSessionID)
}

// pipelineSanitizer adapts sanitize.Sanitizer's three-value Sanitize to the
// pipeline.Sanitizer interface's two-value shape; the touched-paths list the
// reader path logs is not meaningful to a synchronous tool reply.
type pipelineSanitizer struct {
	s *sanitize.Sanitizer
}

func (p pipelineSanitizer) Sanitize(payload json.RawMessage) (json.RawMessage, error) {
	return p.s.SanitizePayload(payload)
}

// runServe wires the core's collaborators together and blocks until
// SIGINT/SIGTERM, then shuts down in order: stop accepting and drain
// in-flight requests (which also closes the request socket), cancel
// confirmations, stop containers, close the event socket, then shut down
// plugins and bridged MCP servers.
func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("serve.config_load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	inst, otelShutdown, err := telemetry.Init(context.Background())
	if err != nil {
		slog.Warn("serve.telemetry_disabled", "error", err)
	} else {
		defer func() { _ = otelShutdown(context.Background()) }()
	}

	msgBus := bus.New()
	cat := catalog.New()
	sessions := session.NewManager(cfg.Sessions.GroupCap)
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, nil)
	sessions.OnDestroy = limiter.DropSession
	gate := confirm.New(cfg.Confirm.Timeout)
	sanitizer := sanitize.NewDefault()

	auditPath := filepath.Join(cfg.Data.Dir, cfg.Data.AuditFile)
	auditStore, err := auditlog.Open(auditPath)
	if err != nil {
		slog.Error("serve.audit_open_failed", "path", auditPath, "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	resumePath := filepath.Join(cfg.Data.Dir, cfg.Data.SessionsFile)
	resumeStore, err := resume.Open(resumePath, cfg.Data.ResumeTokenTTL)
	if err != nil {
		slog.Error("serve.resume_open_failed", "path", resumePath, "error", err)
		os.Exit(1)
	}
	defer resumeStore.Close()

	pl := pipeline.New(cat, sessions, limiter, gate, auditStore, pipeline.Options{
		Source:         "carapace",
		HandlerTimeout: config.HandlerTimeout,
	})
	pl.Sanitizer = pipelineSanitizer{s: sanitizer}
	if inst != nil {
		pl.Requests = inst.RequestsTotal
		pl.StageDuration = inst.StageDuration
		pl.ConfirmTimeouts = inst.ConfirmTimeouts
	}

	loader := plugin.NewLoader(cfg.Plugins.Roots, cat, cfg.Plugins.InitTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if errs := loader.LoadAll(ctx); len(errs) > 0 {
		for _, e := range errs {
			slog.Warn("serve.plugin_load_error", "error", e)
		}
	}

	bridge := mcpbridge.New(cat)
	for _, mcpCfg := range cfg.MCPServers {
		if err := bridge.Connect(ctx, mcpbridge.ServerConfig{
			Name:       mcpCfg.Name,
			Transport:  mcpCfg.Transport,
			Command:    mcpCfg.Command,
			Args:       mcpCfg.Args,
			Env:        mcpCfg.Env,
			URL:        mcpCfg.URL,
			ToolPrefix: mcpCfg.ToolPrefix,
		}); err != nil {
			slog.Warn("serve.mcp_bridge_connect_failed", "server", mcpCfg.Name, "error", err)
		}
	}

	requestsPath := containers.SocketPath(cfg.Sockets.Dir, cfg.Sockets.RequestsFile)
	eventsPath := containers.SocketPath(cfg.Sockets.Dir, cfg.Sockets.EventsFile)

	router := transport.NewRouter(pl, requestsPath)
	router.Bind = func(identity, group string) error {
		_, err := sessions.BindOrCreate(identity, group, "")
		return err
	}
	pub := transport.NewPub(eventsPath)
	if inst != nil {
		pub.Drops = inst.PubDrops
	}
	msgBus.Subscribe("pub-fanout", pub.Publish)

	var runtime containers.Runtime
	dockerRuntime, err := containers.NewDockerRuntime()
	if err != nil {
		slog.Warn("serve.docker_unavailable", "error", err)
	} else {
		runtime = dockerRuntime
	}

	var mgr *containers.Manager
	if runtime != nil {
		mgr = containers.New(runtime, sessions, resumeAdapter{store: resumeStore}, msgBus, sanitizer, containers.Config{
			Image:              cfg.Runtime.Image,
			RequestsSocketPath: requestsPath,
			EventsSocketPath:   eventsPath,
			MaxPerGroup:        cfg.Runtime.MaxPerGroup,
			SpawnQueueCapacity: cfg.Runtime.SpawnQueueCapacity,
			StopTimeout:        cfg.Runtime.StopTimeout,
		})
		if inst != nil {
			mgr.SpawnQueueShed = inst.SpawnQueueShed
		}
		msgBus.Subscribe("lifecycle-trigger", func(ev bus.Event) {
			if ev.Topic != protocol.TopicMessageInbound && ev.Topic != protocol.TopicTaskTriggered {
				return
			}
			mgr.HandleTrigger(ctx, ev.Envelope.Group)
		})
	} else {
		slog.Warn("serve.container_lifecycle_disabled", "reason", "no runtime available")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := router.Serve(); err != nil {
			slog.Error("serve.router_stopped", "error", err)
		}
	}()
	go func() {
		if err := pub.Serve(); err != nil {
			slog.Error("serve.pub_stopped", "error", err)
		}
	}()

	slog.Info("carapace serve starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"requests_socket", requestsPath,
		"events_socket", eventsPath,
	)

	sig := <-sigCh
	slog.Info("serve.shutdown_initiated", "signal", sig)

	_ = router.Shutdown(10 * time.Second)
	gate.CancelAll()
	if mgr != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		mgr.Stop(stopCtx)
		stopCancel()
	}
	_ = pub.Close()
	loader.ShutdownAll(context.Background(), 10*time.Second)
	bridge.DisconnectAll()
	cancel()
}
