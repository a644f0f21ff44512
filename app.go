package archimedes

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/themis-platform/archimedes/contract"
	"github.com/themis-platform/archimedes/middleware"
)

// App is the top-level assembly: a Router and HandlerRegistry the caller
// populates before Run, wired against a Pipeline that enforces the
// canonical stage ordering, and a Server that drives them. A caller
// builds one once via New, registers routes/handlers against it, then
// hands it to Run.
type App struct {
	Config   Config
	Router   *Router
	Handlers *HandlerRegistry

	logger       zerolog.Logger
	sentinel     *contract.Sentinel
	conns        *ConnectionManager
	tasks        *TaskSpawner
	pipeline     *Pipeline
	server       *Server
	staticMounts map[string]StaticMountHandler
}

// New wires every Component from cfg: it loads and resolves the contract
// artifact when contract validation is enabled, builds the Pipeline in
// the canonical stage order (CORS, request id, tracing, rate limit,
// compression, identity, authorization, request validation, handler,
// response validation), and constructs the Connection Manager and Task
// Spawner; the Server is built later, by Run. The returned App's Router and
// Handlers are empty; the caller registers routes and handlers before
// calling Run.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Telemetry)
	router := NewRouter()
	registry := NewHandlerRegistry()
	conns := NewConnectionManager(cfg.Connections)
	tasks := NewTaskSpawner(cfg.Tasks)

	var sentinel *contract.Sentinel
	if cfg.Contract.Enabled {
		if cfg.Contract.ContractPath == "" {
			return nil, fmt.Errorf("archimedes: contract.enabled requires contract.contract_path")
		}
		artifact, err := contract.LoadArtifact(cfg.Contract.ContractPath)
		if err != nil {
			return nil, err
		}
		sentinel, err = contract.NewSentinel(artifact, contract.ValidationConfig{
			ValidateRequests:  true,
			ValidateResponses: cfg.Contract.ValidateResponses,
			StrictMode:        cfg.Contract.StrictValidation,
			MaxDepth:          cfg.Contract.MaxDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("archimedes: building sentinel: %w", err)
		}
	}

	authzStage, err := buildAuthorizationStage(cfg.Authorization)
	if err != nil {
		return nil, err
	}

	stages := []Stage{
		middleware.CORS(cfg.CORS),
		RequestIDStage(),
		TracingStage(),
	}
	if cfg.RateLimit.Enabled {
		extractor, err := buildRateLimitExtractor(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		stages = append(stages, middleware.RateLimit(
			cfg.RateLimit.Limit,
			time.Duration(cfg.RateLimit.WindowSecs)*time.Second,
			extractor,
		))
	}
	stages = append(stages,
		middleware.Compression(middleware.CompressionConfig{}),
		IdentityStage(HeaderIdentityExtractor()),
		authzStage,
	)
	if sentinel != nil {
		stages = append(stages, ValidationStage(sentinel, cfg.Contract, logger))
	}

	pipeline := NewPipeline(logger, stages...)

	app := &App{
		Config:       cfg,
		Router:       router,
		Handlers:     registry,
		logger:       logger,
		sentinel:     sentinel,
		conns:        conns,
		tasks:        tasks,
		pipeline:     pipeline,
		staticMounts: map[string]StaticMountHandler{},
	}

	return app, nil
}

// MountStatic registers a static file mount: routes matching prefix (via a
// trailing wildcard segment) are served by handler instead of the Handler
// Registry, bypassing contract validation entirely.
func (a *App) MountStatic(name, prefix string, handler StaticMountHandler) error {
	prefix = strings.TrimSuffix(prefix, "/")
	pattern := prefix + "/*path"
	if err := a.Router.Route("GET", pattern, staticOperationPrefix+name); err != nil {
		return err
	}
	if err := a.Router.Route("HEAD", pattern, staticOperationPrefix+name); err != nil {
		return err
	}
	a.staticMounts[name] = handler
	return nil
}

// Run builds the Server from the wired components and blocks serving
// until Shutdown is called on the returned *App or an unrecoverable
// accept error occurs.
func (a *App) Run() error {
	a.server = NewServer(a.Config.Server, a.Router, a.pipeline, a.Handlers, a.conns, a.tasks, a.logger, a.staticMounts)
	if a.Config.Connections.CleanupIntervalSecs > 0 {
		go a.conns.RunIdleSweep(
			time.Duration(a.Config.Connections.CleanupIntervalSecs)*time.Second,
			time.Duration(a.Config.Connections.IdleTimeoutSecs)*time.Second,
			a.conns.ShutdownSignal(),
		)
	}
	return a.server.ListenAndServe()
}

// Shutdown shuts the Server down, which drains HTTP connections, signals
// the Connection Manager's sessions, and waits on the Task Spawner. It is
// a no-op if Run has not been called yet.
func (a *App) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

func buildAuthorizationStage(cfg AuthorizationConfig) (Stage, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "allow_all":
		return middleware.AllowAll(), nil
	case "deny_all":
		return middleware.DenyAll(), nil
	case "rbac":
		return middleware.Rbac(cfg.RolePermissions, cfg.AllowAnonymous, false), nil
	case "custom":
		if cfg.CustomAuthorizer == nil {
			return Stage{}, fmt.Errorf("archimedes: authorization.mode %q requires CustomAuthorizer to be set", cfg.Mode)
		}
		return middleware.Custom(cfg.CustomAuthorizer), nil
	case "opa":
		// No embedded policy engine; the caller supplies the predicate that
		// consults one. Fail closed until they do.
		authorizer := cfg.CustomAuthorizer
		if authorizer == nil {
			authorizer = func(Identity, string) (bool, string) {
				return false, "authorization.mode is opa but no CustomAuthorizer predicate was configured"
			}
		}
		return middleware.Custom(authorizer), nil
	default:
		return Stage{}, fmt.Errorf("archimedes: authorization.mode %q has no built-in stage; use a custom App wiring", cfg.Mode)
	}
}

func buildRateLimitExtractor(cfg RateLimitConfig) (middleware.KeyExtractor, error) {
	switch strings.ToLower(cfg.KeyStrategy) {
	case "", "ip":
		return middleware.IPKeyExtractor(), nil
	case "header":
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("archimedes: rate_limit.key_strategy=header requires rate_limit.header_name")
		}
		return middleware.HeaderKeyExtractor(cfg.HeaderName), nil
	case "user":
		return middleware.UserKeyExtractor(), nil
	case "global":
		return middleware.GlobalKeyExtractor(), nil
	default:
		return nil, fmt.Errorf("archimedes: rate_limit.key_strategy %q is not a built-in extractor", cfg.KeyStrategy)
	}
}
