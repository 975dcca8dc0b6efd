// Package server assembles every control plane collaborator — durable
// store, detection and correlation engines, event pipeline, agent session
// manager, tamper controller, auth, audit, webhooks, metrics, and the
// maintenance scheduler — into one running HTTP+WebSocket server.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/audit"
	"github.com/sentryctl/fleet/internal/controlplane/auth"
	"github.com/sentryctl/fleet/internal/controlplane/cmdtracker"
	"github.com/sentryctl/fleet/internal/controlplane/config"
	"github.com/sentryctl/fleet/internal/controlplane/correlation"
	"github.com/sentryctl/fleet/internal/controlplane/detect"
	"github.com/sentryctl/fleet/internal/controlplane/durable"
	"github.com/sentryctl/fleet/internal/controlplane/entitlement"
	"github.com/sentryctl/fleet/internal/controlplane/events"
	"github.com/sentryctl/fleet/internal/controlplane/metrics"
	"github.com/sentryctl/fleet/internal/controlplane/migration"
	"github.com/sentryctl/fleet/internal/controlplane/pipeline"
	"github.com/sentryctl/fleet/internal/controlplane/scheduler"
	"github.com/sentryctl/fleet/internal/controlplane/session"
	"github.com/sentryctl/fleet/internal/controlplane/tamper"
	"github.com/sentryctl/fleet/internal/controlplane/transport"
	"github.com/sentryctl/fleet/internal/controlplane/users"
	"github.com/sentryctl/fleet/internal/controlplane/webhook"
	"github.com/sentryctl/fleet/internal/controlplane/websession"
	"github.com/sentryctl/fleet/internal/notify"
	"github.com/sentryctl/fleet/internal/protocol"
	"github.com/sentryctl/fleet/internal/shared/ratelimit"
	"github.com/sentryctl/fleet/internal/shared/signing"
)

// Build metadata, set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Server wires the full C1-C7 fleet control plane together and exposes it
// over HTTP and WebSocket.
type Server struct {
	cfg config.Config
	log *zap.Logger

	// durable is always present: detect.Engine's RuleSource is not
	// nil-safe, so every deployment needs a real rule store.
	durableStore *durable.Store

	auditStore *audit.Store
	auditLog   *audit.Log // in-memory fallback when the audit DB can't open

	webhookStore    *webhook.Store
	webhookNotifier *webhook.Notifier // the store's notifier, or a standalone one when the webhook DB can't open

	keyStore      *auth.KeyStore
	userStore     *users.Store
	sessionStore  *websession.Store
	authMW        *auth.AuthMiddleware

	bus          *events.Bus
	entitlements *entitlement.Resolver
	tracker      *cmdtracker.Tracker
	detector     *detect.Engine
	correlator   *correlation.Engine
	pipe         *pipeline.Pipeline
	sessions     *session.Manager
	hub          *transport.Hub
	tamperCtl    *tamper.Controller
	notifyRouter *notify.Router
	dispatchLimiter *ratelimit.Limiter
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Collector

	httpServer *http.Server
}

// New constructs a Server from configuration but does not start it.
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		log:             log,
		bus:             events.NewBus(256),
		entitlements:    entitlement.New(),
		dispatchLimiter: ratelimit.NewLimiter(ratelimit.DefaultConfig()),
	}

	if err := s.initDurable(); err != nil {
		return nil, err
	}
	if err := s.initAudit(); err != nil {
		return nil, err
	}
	if err := s.initWebhooks(); err != nil {
		return nil, err
	}
	if err := s.initAuth(); err != nil {
		return nil, err
	}
	s.initFixtures()

	s.tracker = cmdtracker.New(s.bus, s.log.Named("cmdtracker"))

	var threatIntel detect.ThreatIntel
	if cfg.ThreatIntelPath != "" {
		if ti, err := durable.LoadThreatIntel(cfg.ThreatIntelPath); err != nil {
			s.log.Warn("failed to load threat intel fixture", zap.String("path", cfg.ThreatIntelPath), zap.Error(err))
		} else {
			threatIntel = ti
		}
	}
	s.detector = detect.New(s.durableStore, threatIntel, s.log.Named("detect"))

	// correlator's ResponseDispatcher is s.sessions, which doesn't exist yet
	// (it needs the pipeline, which needs the correlator). &sessionDispatcher{s}
	// defers the lookup until DispatchNamedResponse is actually called, by
	// which point New has returned and s.sessions is set — same trick initHub
	// uses for the onMsg closure below.
	s.correlator = correlation.New(
		correlationWindow(cfg),
		defaultCorrelationPatterns(),
		s.bus,
		&sessionDispatcher{s: s},
		s.log.Named("correlation"),
	)

	s.pipe = pipeline.New(
		pipelineConfig(cfg),
		s.detector,
		s.correlator,
		s.durableStore,
		s.bus,
		s.log.Named("pipeline"),
	)

	s.initHub()

	s.sessions = session.New(
		sessionManagerConfig(cfg),
		s.durableStore,
		s.tracker,
		s.pipe,
		s.hub,
		s.bus,
		s.log.Named("session"),
	)

	s.initNotify()
	s.tamperCtl = tamper.New(s.sessions, &notifyAdapter{router: s.notifyRouter}, s.bus, s.log.Named("tamper"))

	s.scheduler = scheduler.New(s.log.Named("scheduler"))
	if err := s.scheduler.RegisterPurge(s.tracker, cfg.Maintenance.PurgeSchedule, time.Duration(cfg.Maintenance.PurgeTTLHours)*time.Hour); err != nil {
		s.log.Warn("failed to register purge job", zap.Error(err))
	}
	if err := s.scheduler.RegisterBackup(cfg.Maintenance.BackupSchedule, s.backupDurableStore); err != nil {
		s.log.Warn("failed to register backup job", zap.Error(err))
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if s.keyStore != nil || s.authMW != nil {
		handler = s.authMW.Wrap(mux)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) initDurable() error {
	dsn := s.cfg.DBDSN
	if dsn == "" {
		dsn = filepath.Join(s.cfg.DataDir, "fleet.db")
	}
	store, err := durable.Open(s.cfg.DBDriver, dsn)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	s.durableStore = store
	return nil
}

func (s *Server) initAudit() error {
	dbPath := filepath.Join(s.cfg.DataDir, "audit.db")
	store, err := audit.NewStore(dbPath, 10000)
	if err != nil {
		s.log.Warn("audit store unavailable, falling back to in-memory log", zap.Error(err))
		s.auditLog = audit.NewLog(10000)
		return nil
	}
	s.auditStore = store
	return nil
}

func (s *Server) initWebhooks() error {
	dbPath := filepath.Join(s.cfg.DataDir, "webhook.db")
	store, err := webhook.NewStore(dbPath)
	if err != nil {
		s.log.Warn("webhook store unavailable, falling back to in-memory notifier", zap.Error(err))
		s.webhookNotifier = webhook.NewNotifier()
		return nil
	}
	s.webhookStore = store
	s.webhookNotifier = store.Notifier()
	return nil
}

func (s *Server) initAuth() error {
	skipPaths := []string{"/healthz", "/version", "/metrics", "/login", "/logout", "/static/*"}

	if !s.cfg.AuthEnabled {
		s.authMW = auth.NewMiddleware(nil, skipPaths)
		return nil
	}

	keyStore, err := auth.NewKeyStore(filepath.Join(s.cfg.DataDir, "apikeys.db"))
	if err != nil {
		return fmt.Errorf("open api key store: %w", err)
	}
	s.keyStore = keyStore

	userStore, err := users.NewStore(filepath.Join(s.cfg.DataDir, "users.db"))
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	s.userStore = userStore

	sessionStore, err := websession.NewStore(filepath.Join(s.cfg.DataDir, "sessions.db"), websession.DefaultSessionLifetime)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	s.sessionStore = sessionStore

	s.bootstrapAdmin()

	s.authMW = auth.NewMiddleware(s.keyStore, skipPaths)
	s.authMW.SetSessionAuth(&sessionAdapter{store: s.sessionStore, userStore: s.userStore}, &roleResolver{})
	return nil
}

// bootstrapAdmin creates the first admin account on an empty user store and
// prints its generated password once, since there is no other way to log in.
func (s *Server) bootstrapAdmin() {
	if s.userStore.Count() > 0 {
		return
	}

	password, err := randomPassword(20)
	if err != nil {
		s.log.Error("failed to generate bootstrap admin password", zap.Error(err))
		return
	}

	u, err := s.userStore.Create("admin", "Administrator", password, string(auth.RoleAdmin))
	if err != nil {
		s.log.Error("failed to create bootstrap admin", zap.Error(err))
		return
	}

	fmt.Fprintln(os.Stderr, "============================================================")
	fmt.Fprintln(os.Stderr, " First run: bootstrap admin account created")
	fmt.Fprintf(os.Stderr, "   username: %s\n", u.Username)
	fmt.Fprintf(os.Stderr, "   password: %s\n", password)
	fmt.Fprintln(os.Stderr, " Store this password now — it will not be shown again.")
	fmt.Fprintln(os.Stderr, "============================================================")
}

func (s *Server) initFixtures() {
	if s.cfg.RuleSetPath != "" {
		n, err := s.durableStore.LoadRuleSet(s.cfg.RuleSetPath)
		if err != nil {
			s.log.Warn("failed to load rule set fixture", zap.String("path", s.cfg.RuleSetPath), zap.Error(err))
		} else {
			s.log.Info("loaded rule set fixture", zap.Int("rules", n), zap.String("path", s.cfg.RuleSetPath))
		}
	}
}

// initHub resolves the signing key and wires the WebSocket hub. The onMsg
// closure captures the *Server receiver and is only invoked once a message
// arrives on an established connection, by which point every other
// collaborator field below has already been assigned — this is how the
// hub/session-manager/correlation-engine construction cycle is broken.
func (s *Server) initHub() {
	s.hub = transport.NewHub(s.log.Named("ws"), func(agentID string, env protocol.Envelope) {
		s.handleAgentMessage(agentID, env)
	})

	key, err := s.resolveSigningKey()
	if err != nil {
		s.log.Warn("command signing disabled", zap.Error(err))
	} else {
		s.hub.SetSigner(signing.NewSigner(key))
		// Each agent authenticates its WebSocket handshake with a key
		// derived from the same signing key, so enrollment never needs a
		// side-channel secret store: an agent that knows its AgentId and
		// the value handed to it at registration time can prove it.
		s.hub.SetAuthenticator(func(agentID, bearerToken string) bool {
			want := hex.EncodeToString(signing.DeriveAgentKey(key, agentID))
			return subtle.ConstantTimeCompare([]byte(want), []byte(bearerToken)) == 1
		})
	}

	s.hub.SetLifecycleHooks(
		func(agentID string) {
			s.log.Debug("agent connected", zap.String("agent_id", agentID))
		},
		func(agentID string) {
			s.log.Debug("agent disconnected", zap.String("agent_id", agentID))
		},
	)
}

// resolveSigningKey follows config > environment > freshly generated, in
// that order, warning on the generated path since keys won't survive a
// restart.
func (s *Server) resolveSigningKey() ([]byte, error) {
	if s.cfg.SigningKey != "" {
		key, err := hex.DecodeString(s.cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("decode configured signing key: %w", err)
		}
		return key, nil
	}
	if v := os.Getenv("SENTRYCTL_SIGNING_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode env signing key: %w", err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	s.log.Warn("no signing key configured, generated an ephemeral one for this process")
	return key, nil
}

func (s *Server) initNotify() {
	limiter := notify.NewRateLimiter(20)
	s.notifyRouter = notify.NewRouter(notify.SeverityRoute{}, limiter, s.log.Named("notify"))
}

func (s *Server) backupDurableStore() (string, error) {
	dsn := s.cfg.DBDSN
	if dsn == "" {
		dsn = filepath.Join(s.cfg.DataDir, "fleet.db")
	}
	path, err := migration.BackupDatabase(dsn)
	if err != nil {
		return "", err
	}
	retention := time.Duration(s.cfg.Maintenance.BackupRetentionHours) * time.Hour
	if err := migration.CleanOldBackups(dsn, retention); err != nil {
		s.log.Warn("failed to prune old backups", zap.Error(err))
	}
	return path, nil
}

// Run starts all background loops and serves HTTP until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.sessions.Start()
	s.correlator.Start()
	s.pipe.Start()
	s.scheduler.Start(ctx)

	if s.auditStore != nil {
		go s.auditStore.PurgeLoop(ctx, 30*24*time.Hour, time.Hour)
	}

	s.log.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("auth_enabled", s.cfg.AuthEnabled),
		zap.Bool("audit_persistent", s.auditStore != nil),
		zap.Bool("webhook_persistent", s.webhookStore != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases every owned resource. Safe to call after Run returns.
func (s *Server) Close() error {
	s.scheduler.Stop()
	s.pipe.Stop()
	s.correlator.Stop()
	s.sessions.Stop()

	if s.durableStore != nil {
		s.durableStore.Close()
	}
	if s.auditStore != nil {
		s.auditStore.Close()
	}
	if s.webhookStore != nil {
		s.webhookStore.Close()
	}
	if s.keyStore != nil {
		s.keyStore.Close()
	}
	if s.userStore != nil {
		s.userStore.Close()
	}
	if s.sessionStore != nil {
		s.sessionStore.Close()
	}
	return nil
}

// sessionDispatcher defers correlation.Engine's ResponseDispatcher lookup
// until it's actually invoked, breaking the correlator/pipeline/session
// construction cycle.
type sessionDispatcher struct {
	s *Server
}

func (d *sessionDispatcher) DispatchNamedResponse(name string, agentIDs []string, reason string) error {
	return d.s.sessions.DispatchNamedResponse(name, agentIDs, reason)
}

func (s *Server) auditRecorder() auth.LoginAuditRecorder {
	if s.auditStore != nil {
		return s.auditStore
	}
	return s.auditLog
}

func (s *Server) metricsAuditCounter() metrics.AuditCounter {
	if s.auditStore != nil {
		return s.auditStore
	}
	return s.auditLog
}

func randomPassword(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:n], nil
}

func sessionManagerConfig(cfg config.Config) session.Config {
	c := session.DefaultConfig()
	if cfg.Timeouts.HeartbeatIntervalSeconds > 0 {
		c.HeartbeatInterval = time.Duration(cfg.Timeouts.HeartbeatIntervalSeconds) * time.Second
	}
	if cfg.Timeouts.MaxMissedHeartbeats > 0 {
		c.MaxMissedHeartbeats = cfg.Timeouts.MaxMissedHeartbeats
	}
	if cfg.Timeouts.CommandSeconds > 0 {
		c.CommandTimeout = time.Duration(cfg.Timeouts.CommandSeconds) * time.Second
	}
	return c
}

func pipelineConfig(_ config.Config) pipeline.Config {
	return pipeline.DefaultConfig()
}

func correlationWindow(cfg config.Config) time.Duration {
	if cfg.Correlation.WindowSeconds > 0 {
		return time.Duration(cfg.Correlation.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

func defaultCorrelationPatterns() []correlation.Pattern {
	return []correlation.Pattern{
		{
			Name:             "credential_access_then_exfil",
			EventSequence:    []string{"authentication_failure", "network_connection"},
			MaxWindow:        5 * time.Minute,
			MinAgents:        1,
			ConfidenceThresh: 0.7,
			AutoResponse:     "",
		},
		{
			Name:             "multi_agent_tamper_wave",
			EventSequence:    []string{"tamper_attempt"},
			MaxWindow:        10 * time.Minute,
			MinAgents:        3,
			ConfidenceThresh: 0.8,
			AutoResponse:     "isolate_agents",
		},
	}
}
