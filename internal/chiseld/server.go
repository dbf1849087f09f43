// Package chiseld assembles the daemon: the pool of OS-thread-pinned JS
// engines, the endpoint table and per-engine loaders, the request
// bridge, the policy store with its reload loop, and the two HTTP
// listeners (data plane and control plane). One struct owns the
// collaborators, handlers register onto plain ServeMuxes, and
// middleware (auth, rate limit, tracing) wraps the data plane.
package chiseld

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tylermcginnis/chiselstrike/internal/auth"
	"github.com/tylermcginnis/chiselstrike/internal/bridge"
	"github.com/tylermcginnis/chiselstrike/internal/compiler"
	"github.com/tylermcginnis/chiselstrike/internal/config"
	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/entitystore"
	"github.com/tylermcginnis/chiselstrike/internal/logging"
	"github.com/tylermcginnis/chiselstrike/internal/metrics"
	"github.com/tylermcginnis/chiselstrike/internal/observability"
	"github.com/tylermcginnis/chiselstrike/internal/opregistry"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
	"github.com/tylermcginnis/chiselstrike/internal/ratelimit"
	"github.com/tylermcginnis/chiselstrike/internal/rewriter"
	"github.com/tylermcginnis/chiselstrike/internal/vm"
)

// Options carries the daemon's injectable collaborators. Entities is the
// only required one: cmd/chiseld passes the Postgres-backed store, tests
// pass an in-memory fake.
type Options struct {
	Config   *config.Config
	Entities opregistry.EntityStore
	Types    *entitystore.TypeRegistry
	Auth     auth.Authenticator // nil means all requests are unauthenticated
	Logger   *logging.Logger
}

// Daemon is one running chiseld instance.
type Daemon struct {
	cfg      *config.Config
	engines  []*vm.Engine
	loaders  []*endpoint.Loader
	table    *endpoint.Table
	types    *entitystore.TypeRegistry
	symbols  *rewriter.Symbols
	policies *policy.Store
	bridge   *bridge.RequestBridge
	limiter  *ratelimit.Limiter
	auth     auth.Authenticator
	logger   *logging.Logger

	dataSrv    *http.Server
	controlSrv *http.Server
	reloadStop chan struct{}
}

// opPrinter routes script console output to the operational logger.
type opPrinter struct{}

func (opPrinter) Log(msg string)   { logging.Op().Info("script console", "msg", msg) }
func (opPrinter) Warn(msg string)  { logging.Op().Warn("script console", "msg", msg) }
func (opPrinter) Error(msg string) { logging.Op().Error("script console", "msg", msg) }

// New builds a Daemon: starts cfg.VM.Threads engines, gives each its own
// op registry and loader, and wires the bridge across them. No listener
// is bound until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Entities == nil {
		return nil, errors.New("chiseld: an entity store is required")
	}

	threads := cfg.VM.Threads
	if threads < 1 {
		threads = 1
	}

	types := opts.Types
	if types == nil {
		types = entitystore.NewTypeRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	d := &Daemon{
		cfg:        cfg,
		table:      endpoint.NewTable(),
		types:      types,
		symbols:    rewriter.NewSymbols(),
		policies:   policy.NewStore(),
		auth:       opts.Auth,
		logger:     logger,
		reloadStop: make(chan struct{}),
	}

	sources := endpoint.NewModuleSource()
	pipeline := compiler.NewPipeline(d.symbols)

	d.engines = make([]*vm.Engine, threads)
	d.loaders = make([]*endpoint.Loader, threads)
	opsRegs := make([]*opregistry.Registry, threads)
	for i := range d.engines {
		engine := vm.New(opPrinter{})
		d.engines[i] = engine
		opsRegs[i] = opregistry.NewRegistry(types, opts.Entities, d.policies, engine.CurrentRequest)
		d.loaders[i] = endpoint.NewLoader(d.table, sources, pipeline, vm.NewModuleImporter(engine, sources))
	}

	br, err := bridge.New(d.engines, opsRegs, d.table, d.policies, logger)
	if err != nil {
		d.stopEngines()
		return nil, err
	}
	d.bridge = br

	if cfg.RateLimit.Enabled {
		d.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
		}, nil)
	}

	metrics.SetVMThreads(threads)
	logging.Op().Info("daemon assembled", "vm_threads", threads)

	return d, nil
}

// DefineEndpoint installs source at path. The returned version advances
// even when compilation or loading fails, so a later successful replace
// is always observable.
func (d *Daemon) DefineEndpoint(path, source string) (uint64, error) {
	if path == "" || path[0] != '/' {
		return 0, fmt.Errorf("chiseld: endpoint path %q must begin with /", path)
	}

	start := time.Now()
	loader := d.loaders[bridge.ThreadFor(path, len(d.loaders))]
	version, err := loader.Load(path, source)
	metrics.ObserveCompileDuration(time.Since(start).Milliseconds())
	metrics.Global().RecordEndpointInstall(path, version, err == nil)

	if err != nil {
		logging.Op().Warn("endpoint install failed", "path", path, "version", version, "error", err)
		return version, err
	}
	logging.Op().Info("endpoint installed", "path", path, "version", version)
	return version, nil
}

// DefineType registers an entity type. The type name also becomes a
// rewriter collection symbol, so endpoint source defined afterwards
// gets its `.filter` predicates lowered.
func (d *Daemon) DefineType(td policy.TypeDescriptor) error {
	if td.Name == "" {
		return errors.New("chiseld: type name is required")
	}
	d.types.Define(td)
	d.symbols.Add(td.Name)
	logging.Op().Info("type defined", "name", td.Name, "fields", len(td.Fields))
	return nil
}

// ExportTypes lists every registered entity type.
func (d *Daemon) ExportTypes() []policy.TypeDescriptor {
	return d.types.Export()
}

// LoadPolicyDoc decodes a YAML policy document and installs it as the
// new current policy version.
func (d *Daemon) LoadPolicyDoc(doc []byte) (uint64, error) {
	version, _, err := d.policies.Load(doc)
	metrics.Global().RecordPolicyReload(err == nil)
	if err != nil {
		logging.Op().Warn("policy load failed", "error", err)
		return 0, err
	}
	logging.Op().Info("policies loaded", "version", version)
	return version, nil
}

// LoadPolicyFile loads the configured policy file, if one is set.
func (d *Daemon) LoadPolicyFile() error {
	if d.cfg.Policy.Path == "" {
		return nil
	}
	doc, err := os.ReadFile(d.cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("chiseld: read policy file: %w", err)
	}
	_, err = d.LoadPolicyDoc(doc)
	return err
}

// Status returns the get_status message: a human-readable summary of
// what the daemon is serving.
func (d *Daemon) Status() string {
	defined, loaded := d.table.Stats()
	return fmt.Sprintf("serving %d endpoints (%d loaded) across %d VM threads, policy version %d",
		defined, loaded, len(d.engines), d.policies.CurrentVersion())
}

// DataHandler returns the data-plane handler: identity extraction, rate
// limiting, per-request interrupt deadline, tracing, then dispatch.
func (d *Daemon) DataHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.VM.InterruptTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), d.cfg.VM.InterruptTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		observability.InjectTraceHeaders(r.Context(), w.Header())
		d.bridge.Invoke(w, r)
	})

	if d.limiter != nil {
		h = ratelimit.Middleware(d.limiter, map[string]bool{"/healthz": true})(h)
	}

	h = d.identityMiddleware(h)
	return observability.HTTPMiddleware(h)
}

// identityMiddleware resolves the caller's identity once per request and
// attaches it to the request context, where RequestBridge picks it up
// for user authorization and match_login checks.
func (d *Daemon) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.auth != nil {
			if id := d.auth.Authenticate(r); id != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds both listeners and, when a policy file is configured,
// starts the reload loop. It returns once the listeners are running;
// use Shutdown to stop them.
func (d *Daemon) Start() error {
	dataMux := http.NewServeMux()
	dataMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	dataMux.Handle("/", d.DataHandler())

	d.dataSrv = &http.Server{Addr: d.cfg.Daemon.DataAddr, Handler: dataMux}
	d.controlSrv = &http.Server{Addr: d.cfg.Daemon.ControlAddr, Handler: d.ControlHandler()}

	go d.serve("data plane", d.dataSrv)
	go d.serve("control plane", d.controlSrv)

	if d.cfg.Policy.Path != "" && d.cfg.Policy.ReloadInterval > 0 {
		go d.policyReloadLoop()
	}

	logging.Op().Info("daemon started",
		"data_addr", d.cfg.Daemon.DataAddr,
		"control_addr", d.cfg.Daemon.ControlAddr)
	return nil
}

func (d *Daemon) serve(name string, srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Op().Error(name+" listener failed", "addr", srv.Addr, "error", err)
	}
}

func (d *Daemon) policyReloadLoop() {
	ticker := time.NewTicker(d.cfg.Policy.ReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.LoadPolicyFile(); err != nil {
				logging.Op().Warn("policy reload failed", "path", d.cfg.Policy.Path, "error", err)
			}
		case <-d.reloadStop:
			return
		}
	}
}

// Shutdown stops the listeners, the reload loop, and the VM threads.
func (d *Daemon) Shutdown(ctx context.Context) error {
	close(d.reloadStop)

	var errs []error
	if d.dataSrv != nil {
		errs = append(errs, d.dataSrv.Shutdown(ctx))
	}
	if d.controlSrv != nil {
		errs = append(errs, d.controlSrv.Shutdown(ctx))
	}
	d.stopEngines()
	return errors.Join(errs...)
}

// Close releases the daemon's engines without touching listeners; used
// by tests that never called Start.
func (d *Daemon) Close() {
	d.stopEngines()
}

func (d *Daemon) stopEngines() {
	for _, e := range d.engines {
		if e != nil {
			e.Stop()
		}
	}
}
