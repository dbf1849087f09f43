package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tylermcginnis/chiselstrike/internal/auth"
	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/logging"
	"github.com/tylermcginnis/chiselstrike/internal/metrics"
	"github.com/tylermcginnis/chiselstrike/internal/observability"
	"github.com/tylermcginnis/chiselstrike/internal/opregistry"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
	"github.com/tylermcginnis/chiselstrike/internal/reqcontext"
	"github.com/tylermcginnis/chiselstrike/internal/vm"
)

// defaultCORSHeaders are applied to every response whose handler did not
// already set them.
var defaultCORSHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "POST, PUT, GET, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type"},
}

// engineSlot pairs one VM thread with its op registry: resource tables
// are owned per-VM, so each engine gets its own Registry. All
// per-request state travels with the VM job itself (Engine.RunRequest),
// never through fields on this struct, so concurrent requests sharing a
// slot cannot clobber each other.
type engineSlot struct {
	engine *vm.Engine
	ops    *opregistry.Registry
}

// RequestBridge marshals an inbound HTTP request into a JS Request,
// dispatches it to the endpoint installed for the request's path, and
// streams the settled Response back. Each path is routed to a fixed VM
// thread by a stable hash, so a given path always dispatches to the
// same VM; the prelude and host ops are installed onto every engine
// once at construction.
type RequestBridge struct {
	slots    []*engineSlot
	table    *endpoint.Table
	policies *policy.Store
	logger   *logging.Logger
}

// New wires a RequestBridge to its collaborators and installs the JS
// prelude plus host op bindings onto every engine exactly once. ops[i]
// is engines[i]'s registry: resource tables are owned per-VM, and each
// registry's Current is wired to its own engine's CurrentRequest, so
// host ops running concurrently on different VM threads each see their
// own request's context.
func New(engines []*vm.Engine, ops []*opregistry.Registry, table *endpoint.Table, policies *policy.Store, logger *logging.Logger) (*RequestBridge, error) {
	if len(engines) != len(ops) {
		return nil, fmt.Errorf("bridge: %d engines but %d op registries", len(engines), len(ops))
	}

	slots := make([]*engineSlot, len(engines))
	for i, e := range engines {
		slot := &engineSlot{engine: e, ops: ops[i]}
		slots[i] = slot

		var installErr error
		e.Run("", func(rt *goja.Runtime) {
			if err := installPrelude(rt); err != nil {
				installErr = fmt.Errorf("bridge: install prelude: %w", err)
				return
			}
			installErr = installOps(rt, slot.ops)
		})
		if installErr != nil {
			return nil, installErr
		}
	}

	return &RequestBridge{slots: slots, table: table, policies: policies, logger: logger}, nil
}

// ThreadFor reports which of n VM threads path is pinned to, via FNV-1a
// over the path. Exported because endpoint loading must land on the same
// engine dispatch will later use: internal/chiseld picks the loader for
// a define_endpoint call with the same function.
func ThreadFor(path string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}

// slotFor selects the VM thread path always dispatches to. A hash gives
// even distribution across threads without needing to remember prior
// assignments.
func (b *RequestBridge) slotFor(path string) *engineSlot {
	return b.slots[ThreadFor(path, len(b.slots))]
}

// Invoke runs one full dispatch: build the Request, enter the request
// context, call the handler, resolve its return value, and stream the
// Response back onto w. It never panics;
// every failure is translated into an HTTP status via the endpoint
// package's tagged errors.
func (b *RequestBridge) Invoke(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	requestID := uuid.New().String()

	ctx, span := observability.StartServerSpan(r.Context(), "chisel.dispatch",
		observability.AttrPath.String(path),
		observability.AttrRequestID.String(requestID),
	)
	defer span.End()

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	start := time.Now()
	status, version, err := b.invoke(ctx, w, r, path)
	durationMs := time.Since(start).Milliseconds()

	span.SetAttributes(
		observability.AttrVersion.Int64(int64(version)),
		observability.AttrDurationMs.Int64(durationMs),
	)

	success := err == nil
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}

	metrics.Global().RecordDispatch(path, durationMs, success)

	if b.logger != nil {
		entry := &logging.RequestLog{
			RequestID:  requestID,
			TraceID:    observability.GetTraceID(ctx),
			SpanID:     observability.GetSpanID(ctx),
			Path:       path,
			Version:    version,
			Method:     r.Method,
			Status:     status,
			DurationMs: durationMs,
			Success:    success,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		b.logger.Log(entry)
	}
}

func (b *RequestBridge) invoke(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) (status int, version uint64, err error) {
	slot := b.slotFor(path)

	var (
		handler any
		vp      *policy.VersionPolicy
	)
	policyVersion := b.policies.CurrentVersion()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var tableErr error
		handler, version, tableErr = b.table.Get(path)
		return tableErr
	})
	g.Go(func() error {
		vp, _ = b.policies.Get(policyVersion)
		return nil
	})
	if err := g.Wait(); err != nil {
		return writeError(w, err)
	}

	identity := auth.GetIdentity(r.Context())
	username, authenticated := "", false
	if identity != nil {
		username, authenticated = identity.Subject, true
	}

	if !policy.IsAllowed(vp, username, authenticated, path) {
		return writeError(w, &forbiddenError{path: path})
	}

	// Everything request-scoped rides in rc, which RunRequest reasserts
	// on the VM thread per job; host ops recover it there.
	rc := &reqcontext.RequestContext{
		Path:          path,
		PolicyVersion: policyVersion,
		Username:      username,
		Authenticated: authenticated,
		Ctx:           ctx,
	}

	callable, isCallable := handler.(goja.Callable)
	if !isCallable {
		return writeError(w, &endpoint.EndpointShapeError{Path: path, Version: version})
	}

	bodyRID, hasBody, closeBody := registerBody(slot.ops, r)
	if closeBody != nil {
		defer closeBody()
	}

	var (
		resp    *responseView
		callErr error
	)
	slot.engine.RunRequest(rc, func(rt *goja.Runtime) {
		reqVal, buildErr := buildRequest(rt, r, bodyRID, hasBody)
		if buildErr != nil {
			callErr = buildErr
			return
		}

		result, invokeErr := callable(goja.Undefined(), reqVal)
		if invokeErr != nil {
			callErr = vm.TranslateError(invokeErr)
			return
		}

		resolved, resolveErr := vm.ResolveValue(result)
		if resolveErr != nil {
			callErr = resolveErr
			return
		}

		resp, callErr = extractResponse(rt, path, resolved)
	})

	if callErr != nil {
		return writeError(w, callErr)
	}

	status, err = b.writeResponse(w, slot.engine, rc, resp)
	return status, version, err
}

// registerBody installs r.Body as a body resource for non-GET/HEAD
// requests with a body. The returned close func
// releases the resource once the invocation completes, whether or not
// the script ever drained it; closing the resource also unblocks any
// read still pending against the body, which is how an in-flight
// read_body is cancelled. It is always non-nil when hasBody is true.
func registerBody(ops *opregistry.Registry, r *http.Request) (rid int32, hasBody bool, close func()) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || r.ContentLength == 0 {
		return 0, false, nil
	}

	resource := opregistry.NewBodyResource(r.Body)
	rid = ops.RegisterBody(resource)
	return rid, true, func() { _ = ops.CloseBody(rid) }
}

func (b *RequestBridge) writeResponse(w http.ResponseWriter, engine *vm.Engine, rc *reqcontext.RequestContext, resp *responseView) (int, error) {
	for _, kv := range resp.headers {
		w.Header().Add(kv[0], kv[1])
	}
	for _, kv := range defaultCORSHeaders {
		if w.Header().Get(kv[0]) == "" {
			w.Header().Set(kv[0], kv[1])
		}
	}
	w.WriteHeader(int(resp.status))

	if resp.reader == nil {
		return int(resp.status), nil
	}

	stream := newBodyStream(engine, rc, resp.reader)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-rc.Ctx.Done():
			stream.Cancel()
			return int(resp.status), &endpoint.StreamCancelled{Path: rc.Path}
		default:
		}

		chunk, ok, err := stream.Next()
		if err != nil {
			return int(resp.status), err
		}
		if !ok {
			return int(resp.status), nil
		}
		if _, werr := w.Write(chunk); werr != nil {
			stream.Cancel()
			return int(resp.status), &endpoint.StreamCancelled{Path: rc.Path}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type forbiddenError struct{ path string }

func (e *forbiddenError) Error() string  { return fmt.Sprintf("endpoint %q: caller not authorized", e.path) }
func (e *forbiddenError) StatusCode() int { return 403 }

type statusCoder interface{ StatusCode() int }

// writeError translates err into an HTTP error response, using its
// StatusCode() if it implements statusCoder (every error in
// internal/endpoint's taxonomy does) and 500 otherwise.
func writeError(w http.ResponseWriter, err error) (int, uint64, error) {
	status := 500
	if sc, ok := err.(statusCoder); ok {
		status = sc.StatusCode()
	}
	if status == 0 {
		// StreamCancelled: the connection is already gone, nothing to write.
		return status, 0, err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	_, _ = w.Write(body)

	var notLoaded *endpoint.EndpointNotLoaded
	if asNotLoaded(err, &notLoaded) {
		return status, notLoaded.Version, err
	}
	return status, 0, err
}

func asNotLoaded(err error, target **endpoint.EndpointNotLoaded) bool {
	if e, ok := err.(*endpoint.EndpointNotLoaded); ok {
		*target = e
		return true
	}
	return false
}
