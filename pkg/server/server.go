// Package server is the HTTP ingress for the deep-memory engine. It
// adapts the wire protocol — three data-plane endpoints plus the admin
// and probe surfaces — onto the retrieval, ingestion, and queue layers.
//
// Routes:
//
//	POST /retrieve_context      read    hybrid retrieval
//	POST /update_memory_index   write   transcript ingestion (async default)
//	POST /forget                admin   dual delete, dry-run, async
//	GET  /queue/...             admin   stats, failed archive, live events
//	GET  /health, /readyz               probes (no key)
//	GET  /health/details        admin   dependency latencies + schema
//	GET  /metrics               admin   (open with METRICS_PUBLIC)
//
// Every App instance owns its router, rate limiter, throttle map,
// namespace gate, and metrics registry, so tests run several servers in
// one process without shared state.
//
// # Dependency Direction
//
//	server → config, authz, guard, recall, memory, queue, audit, storage
//
// Nothing imports server except cmd.
package server

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/audit"
	"github.com/deepmem/deepmem/pkg/authz"
	"github.com/deepmem/deepmem/pkg/config"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/guard"
	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/queue"
	"github.com/deepmem/deepmem/pkg/recall"
	"github.com/deepmem/deepmem/pkg/storage"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// Options wires an App. The adapters are built by the caller (cmd or a
// test) so the server stays ignorant of providers and disk layout.
type Options struct {
	// Config is the effective configuration. Required.
	Config *config.Config

	// Rules is the parsed key table. Required (may hold zero rules, in
	// which case everything is open).
	Rules *authz.Rules

	// Retriever serves retrieve_context. Required.
	Retriever *recall.Retriever

	// Forgetter runs the dual delete for synchronous forgets. Required.
	Forgetter *memory.Forgetter

	// UpdateQueue and ForgetQueue are the two durable queues. Updates
	// always go through UpdateQueue — even synchronous ones use RunNow
	// for per-key exclusion — so the ingestion pipeline hangs off the
	// queue's handler, not off the server. Both required.
	UpdateQueue *queue.Queue
	ForgetQueue *queue.Queue

	// Vec and Graph are probed by the health endpoints. Required.
	Vec   vecstore.Index
	Graph graph.Store

	// Events receives queue transitions for the admin live tail. Nil
	// builds a private hub (queues wired elsewhere then stay silent).
	Events *EventHub

	// Audit records forget and queue-admin actions. Nil disables.
	Audit *audit.Logger

	// Exports is the archive destination for failed-task exports. Nil
	// disables the archive endpoint.
	Exports storage.FileStore

	// Schema is the startup migrations outcome, surfaced by the health
	// endpoints. Nil reports mode "off".
	Schema *SchemaReport

	// Logger. Nil means no logging.
	Logger *zap.Logger
}

// App is one server instance.
type App struct {
	cfg *config.Config
	log *zap.Logger

	rules     *authz.Rules
	retriever *recall.Retriever
	forgetter *memory.Forgetter
	updateQ   *queue.Queue
	forgetQ   *queue.Queue
	vec       vecstore.Index
	graph     graph.Store

	limiter    *guard.RateLimiter
	throttle   *guard.Throttle
	nsGate     *guard.NamespaceGate
	backlog    guard.BacklogPolicy
	disabledNS []string

	audit   *audit.Logger
	exports storage.FileStore
	schema  *SchemaReport
	events  *EventHub
	metrics *metrics

	router chi.Router
}

// New builds an App. The required adapters panic when missing: a server
// without its stores is a deployment bug, not a runtime condition.
func New(opts Options) *App {
	if opts.Config == nil {
		panic("server: Options.Config is required")
	}
	if opts.Rules == nil {
		panic("server: Options.Rules is required")
	}
	if opts.Retriever == nil {
		panic("server: Options.Retriever is required")
	}
	if opts.Forgetter == nil {
		panic("server: Options.Forgetter is required")
	}
	if opts.UpdateQueue == nil || opts.ForgetQueue == nil {
		panic("server: both queues are required")
	}
	if opts.Vec == nil || opts.Graph == nil {
		panic("server: Options.Vec and Options.Graph are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = NewEventHub(log)
	}
	schema := opts.Schema
	if schema == nil {
		schema = &SchemaReport{Mode: config.MigrationsOff, Current: SchemaVersion, Ready: true}
	}

	cfg := opts.Config
	a := &App{
		cfg:       cfg,
		log:       log,
		rules:     opts.Rules,
		retriever: opts.Retriever,
		forgetter: opts.Forgetter,
		updateQ:   opts.UpdateQueue,
		forgetQ:   opts.ForgetQueue,
		vec:       opts.Vec,
		graph:     opts.Graph,
		limiter:   guard.NewRateLimiter(cfg.RateLimit.Window()),
		throttle:  guard.NewThrottle(cfg.Update.MinInterval()),
		nsGate:    guard.NewNamespaceGate(cfg.Retrieval.NamespaceConcurrency),
		backlog: guard.BacklogPolicy{
			ReadOnlyPending: cfg.Backlog.ReadOnlyPending,
			RejectPending:   cfg.Backlog.RejectPending,
			DelayPending:    cfg.Backlog.DelayPending,
			DelaySeconds:    cfg.Backlog.DelaySeconds,
		},
		disabledNS: slices.Clone(cfg.Update.DisabledNamespaces),
		audit:      opts.Audit,
		exports:    opts.Exports,
		schema:     schema,
		events:     events,
	}
	a.metrics = newMetrics(a.updateQ, a.forgetQ)
	a.events.Observe(a.metrics.queueEvent)
	a.routes()
	return a
}

// Handler returns the root http.Handler.
func (a *App) Handler() http.Handler { return a.router }

func (a *App) routes() {
	r := chi.NewRouter()
	r.Use(a.requestID)
	r.Use(a.recoverPanics)
	r.Use(a.instrument)

	r.Get("/health", a.handleHealth)
	r.Get("/readyz", a.handleReadyz)

	r.Group(func(r chi.Router) {
		if !a.cfg.Server.MetricsPublic {
			r.Use(a.requireRole(authz.RoleAdmin))
		}
		r.Method(http.MethodGet, "/metrics", a.metrics.handler())
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(authz.RoleAdmin))
		r.Get("/health/details", a.handleHealthDetails)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(authz.RoleRead))
		r.Use(a.rateLimit("retrieve", a.cfg.RateLimit.RetrievePerWindow))
		r.Use(a.limitBody(a.cfg.Server.MaxBodyBytes))
		r.Post("/retrieve_context", a.handleRetrieve)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(authz.RoleWrite))
		r.Use(a.rateLimit("update", a.cfg.RateLimit.UpdatePerWindow))
		r.Use(a.limitBody(a.cfg.Server.MaxUpdateBodyBytes))
		r.Post("/update_memory_index", a.handleUpdate)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(authz.RoleAdmin))
		r.Use(a.rateLimit("forget", a.cfg.RateLimit.ForgetPerWindow))
		r.Use(a.limitBody(a.cfg.Server.MaxBodyBytes))
		r.Post("/forget", a.handleForget)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Use(a.requireRole(authz.RoleAdmin))
		r.Use(a.limitBody(a.cfg.Server.MaxBodyBytes))
		r.Get("/events", a.handleQueueEvents)
		a.queueRoutes(r, "update", a.updateQ)
		r.Route("/forget", func(r chi.Router) {
			a.queueRoutes(r, "forget", a.forgetQ)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, http.StatusNotFound, kindNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, http.StatusMethodNotAllowed, kindInvalidRequest, "method not allowed")
	})

	a.router = r
}

// queueRoutes mounts one queue's admin surface; the update queue sits at
// /queue and the forget queue mirrors it under /queue/forget.
func (a *App) queueRoutes(r chi.Router, name string, q *queue.Queue) {
	r.Get("/stats", a.handleQueueStats(name, q))
	r.Get("/failed", a.handleFailedList(q))
	r.Get("/failed/export", a.handleFailedExport(q))
	r.Post("/failed/retry", a.handleFailedRetry(name, q))
	r.Post("/failed/archive", a.handleFailedArchive(name, q))
	r.Delete("/failed/{file}", a.handleFailedDelete(name, q))
}
