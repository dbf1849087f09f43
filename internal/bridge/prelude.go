// Package bridge marshals an inbound *http.Request into the JS-facing
// Request object a handler expects, invokes the handler on its Engine,
// and streams the settled Response's body back onto the outbound
// http.ResponseWriter. It is the one package that wires
// internal/opregistry's host operations onto a live *goja.Runtime, since
// opregistry itself is kept free of any VM dependency.
//
// goja has no native Request/Response/ReadableStream globals (unlike a
// browser or Deno), so this package installs a small JS prelude
// providing them, implemented against goja's ArrayBuffer/Uint8Array
// support and the chisel_* host ops.
package bridge

import "github.com/dop251/goja"

// prelude defines Headers, Request, and Response, plus
// buildReadableStreamForBody, the helper that turns a body resource id
// into the same getReader()/read() shape a handler's own Response.body
// exposes. installOps (ops.go) binds the host functions this script
// calls into: __chisel_read_body and __chisel_close_body.
const prelude = `
(function() {
  function chunkToBytes(s) {
    if (typeof s !== "string") return s;
    var bytes = new Uint8Array(s.length);
    for (var i = 0; i < s.length; i++) bytes[i] = s.charCodeAt(i) & 0xff;
    return bytes;
  }

  function staticStream(chunks) {
    var i = 0;
    return {
      getReader: function() {
        return {
          read: function() {
            if (i < chunks.length) {
              return Promise.resolve({ done: false, value: chunks[i++] });
            }
            return Promise.resolve({ done: true, value: undefined });
          },
          cancel: function() { i = chunks.length; return Promise.resolve(); }
        };
      }
    };
  }

  globalThis.Headers = function(init) {
    var map = {};
    if (init) {
      for (var k in init) { map[k.toLowerCase()] = String(init[k]); }
    }
    this._map = map;
  };
  Headers.prototype.get = function(name) {
    var v = this._map[name.toLowerCase()];
    return v === undefined ? null : v;
  };
  Headers.prototype.set = function(name, value) {
    this._map[name.toLowerCase()] = String(value);
  };
  Headers.prototype.has = function(name) {
    return Object.prototype.hasOwnProperty.call(this._map, name.toLowerCase());
  };
  Headers.prototype.entries = function() {
    var out = [];
    for (var k in this._map) out.push([k, this._map[k]]);
    return out;
  };

  globalThis.Request = function(input, init) {
    init = init || {};
    this.method = init.method || "GET";
    this.url = input;
    this.headers = new Headers(init.headers);
    if (init.body !== undefined) this.body = init.body;
  };

  globalThis.Response = function(body, init) {
    init = init || {};
    this.status = init.status === undefined ? 200 : init.status;
    this.headers = new Headers(init.headers);
    if (body && typeof body.getReader === "function") {
      this.body = body;
    } else if (body instanceof Uint8Array) {
      this.body = staticStream([body]);
    } else if (body === undefined || body === null) {
      this.body = staticStream([]);
    } else {
      this.body = staticStream([chunkToBytes(String(body))]);
    }
  };

  globalThis.buildReadableStreamForBody = function(rid) {
    return {
      getReader: function() {
        return {
          read: function() { return __chisel_read_body(rid); },
          cancel: function() { return __chisel_close_body(rid); }
        };
      }
    };
  };
})();
`

// installPrelude evaluates the prelude script on rt. Must be called once
// per Engine, on the VM thread, before any endpoint module is imported.
func installPrelude(rt *goja.Runtime) error {
	_, err := rt.RunString(prelude)
	return err
}
