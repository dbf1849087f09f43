// Package reqcontext defines the per-request ambient state — the
// request path, the caller's identity, and the policy version in force
// — that host ops consult while a handler runs.
//
// The state travels with the VM job rather than living in any shared
// map: RequestBridge builds one RequestContext per dispatch and hands
// it to Engine.RunRequest, which reasserts it on the VM thread before
// every callback. Host ops recover it through Engine.CurrentRequest,
// so two requests interleaving on the same engine — even against the
// same path — can never observe each other's identity or policy
// version.
package reqcontext

import "context"

// RequestContext is the ambient state for one in-flight request. Ctx is
// the dispatch's context, carried here so host ops that perform I/O
// (store, query) run under the request's own deadline and cancellation.
type RequestContext struct {
	Path          string
	PolicyVersion uint64
	Username      string
	Authenticated bool
	Ctx           context.Context
}
