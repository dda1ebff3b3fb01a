// Package router implements the two-level method->path routing table: GET
// falls back to probing the resource directory for a matching static file,
// POST /login and /register are backed by internal/dbsession, and anything
// else collapses to the 404 handler. Modeled on the original LiteWebServer
// Router class's route table and keep-alive header logic.
package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nabbar/litewebserver/internal/dbsession"
	"github.com/nabbar/litewebserver/internal/httpparse"
	"github.com/nabbar/litewebserver/internal/logger"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/response"
)

// Request is the subset of connection state a Handler needs: the parsed
// request and the response builder to populate.
type Request struct {
	Req  *httpparse.Request
	Resp *response.Response
}

// Handler serves one request, writing into req.Resp and returning the
// status code it chose (for metrics/logging; req.Resp.StatusCode is set by
// EmitHead when the caller later flushes the head).
type Handler func(ctx context.Context, r *Request) int

// Router holds the method->path->Handler table and the resources directory
// GET falls back to probing.
type Router struct {
	routes      map[string]map[string]Handler
	resourceDir string
	pool        *dbsession.Pool
	log         logger.Logger
	met         metrics.Recorder
}

// New builds a Router with the fixed static route table plus login/register
// handlers backed by pool. pool may be nil if no database was configured; in
// that case /login and /register serve error.html and return 503, which
// EmitHead writes on the wire as 400 (503 is not in its reason table).
func New(resourceDir string, pool *dbsession.Pool, log logger.Logger, met metrics.Recorder) *Router {
	if log == nil {
		log = logger.Noop()
	}
	if met == nil {
		met = metrics.Noop()
	}
	r := &Router{
		routes:      make(map[string]map[string]Handler),
		resourceDir: resourceDir,
		pool:        pool,
		log:         log,
		met:         met,
	}
	r.loadRoutes()
	return r
}

// acquireSession wraps pool.Acquire with the DB-pool-wait observation
// SPEC_FULL.md §3's Metrics entry lists, the same way internal/conn
// reports its own counters inline around the operation they measure.
func (r *Router) acquireSession(ctx context.Context) (*dbsession.Session, error) {
	start := time.Now()
	s, err := r.pool.Acquire(ctx)
	r.met.PoolWaitObserved(time.Since(start))
	return s, err
}

func (r *Router) addRoute(method, path string, h Handler) {
	if r.routes[method] == nil {
		r.routes[method] = make(map[string]Handler)
	}
	r.routes[method][path] = h
}

func (r *Router) loadRoutes() {
	r.addRoute("GET", "/", r.staticHandler("index.html"))
	r.addRoute("GET", "/index", r.staticHandler("index.html"))
	r.addRoute("GET", "/register", r.staticHandler("register.html"))
	r.addRoute("GET", "/login", r.staticHandler("login.html"))
	r.addRoute("GET", "/welcome", r.staticHandler("welcome.html"))
	r.addRoute("GET", "/video", r.staticHandler("video.html"))
	r.addRoute("GET", "/picture", r.staticHandler("picture.html"))

	r.addRoute("POST", "/login", r.loginHandler)
	r.addRoute("POST", "/register", r.registerHandler)
}

// Route picks a Handler for the given method/url, falling back to probing
// resourceDir for GET and finally to the 404 handler.
func (r *Router) Route(method, url string) Handler {
	if pathMap, ok := r.routes[method]; ok {
		if h, ok := pathMap[url]; ok {
			return h
		}
	}
	if method == "GET" {
		if h, ok := r.tryStaticFile(url); ok {
			return h
		}
	}
	return r.notFoundHandler
}

// SetConnectionHeaders mirrors the original's setConnectionHeaders_: it
// clears resp and decides keep-alive strictly (case-sensitive "keep-alive"
// value and HTTP version "1.1"), per the spec's §9 Open Question resolved
// in favor of matching the original's literal comparison rather than a more
// lenient case-insensitive one.
func SetConnectionHeaders(req *httpparse.Request, resp *response.Response) bool {
	resp.Clear()
	keepAlive := req.Header("Connection") == "keep-alive" && req.Version == "1.1"
	if keepAlive {
		resp.SetHeader("Connection", "keep-alive")
		resp.SetHeader("keep-alive", "max=6, timeout=120")
	} else {
		resp.SetHeader("Connection", "close")
	}
	return keepAlive
}

func (r *Router) staticHandler(name string) Handler {
	return func(_ context.Context, req *Request) int {
		SetConnectionHeaders(req.Req, req.Resp)
		path := filepath.Join(r.resourceDir, name)
		if !req.Resp.SetFileBody(path) {
			return r.serveErrorBody(req, 404)
		}
		return 200
	}
}

// tryStaticFile probes resourceDir for a GET path not in the static table,
// rejecting traversal outside resourceDir via filepath.Clean + prefix check
// (spec.md §9's path-traversal recommendation).
func (r *Router) tryStaticFile(url string) (Handler, bool) {
	cleaned := filepath.Clean("/" + url)
	full := filepath.Join(r.resourceDir, cleaned)

	absResourceDir, err := filepath.Abs(r.resourceDir)
	if err != nil {
		return nil, false
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return nil, false
	}
	if absFull != absResourceDir && !strings.HasPrefix(absFull, absResourceDir+string(filepath.Separator)) {
		return nil, false
	}

	info, err := os.Stat(absFull)
	if err != nil || info.IsDir() {
		return nil, false
	}

	return func(_ context.Context, req *Request) int {
		SetConnectionHeaders(req.Req, req.Resp)
		if !req.Resp.SetFileBody(absFull) {
			return r.serveErrorBody(req, 404)
		}
		return 200
	}, true
}

func (r *Router) notFoundHandler(_ context.Context, req *Request) int {
	SetConnectionHeaders(req.Req, req.Resp)
	return r.serveErrorBody(req, 404)
}

func (r *Router) serveErrorBody(req *Request, code int) int {
	path := filepath.Join(r.resourceDir, "404.html")
	if code != 404 {
		path = filepath.Join(r.resourceDir, "error.html")
	}
	req.Resp.SetFileBody(path)
	return code
}

func (r *Router) loginHandler(ctx context.Context, req *Request) int {
	SetConnectionHeaders(req.Req, req.Resp)
	// req.Req.Post is populated by the connection loop's ParseURLEncoded
	// call before a handler is ever dispatched.
	name := req.Req.Post["username"]
	pwd := req.Req.Post["password"]
	if name == "" || pwd == "" {
		return r.serveWelcomeOrError(req, false)
	}
	if r.pool == nil {
		return r.serveErrorBody(req, 503)
	}

	s, err := r.acquireSession(ctx)
	if err != nil {
		r.log.Warnf("login: pool acquire failed: %v", err)
		return r.serveErrorBody(req, 503)
	}
	defer r.pool.Release(s)

	ok, err := s.VerifyUser(ctx, name, pwd)
	if err != nil {
		r.log.Errorf("login: verify failed: %v", err)
		return r.serveErrorBody(req, 500)
	}
	return r.serveWelcomeOrError(req, ok)
}

func (r *Router) registerHandler(ctx context.Context, req *Request) int {
	SetConnectionHeaders(req.Req, req.Resp)
	name := req.Req.Post["username"]
	pwd := req.Req.Post["password"]
	if name == "" || pwd == "" {
		return r.serveWelcomeOrError(req, false)
	}
	if r.pool == nil {
		return r.serveErrorBody(req, 503)
	}

	s, err := r.acquireSession(ctx)
	if err != nil {
		r.log.Warnf("register: pool acquire failed: %v", err)
		return r.serveErrorBody(req, 503)
	}
	defer r.pool.Release(s)

	created, err := s.CreateUser(ctx, name, pwd)
	if err != nil {
		r.log.Errorf("register: create failed: %v", err)
		return r.serveErrorBody(req, 500)
	}
	return r.serveWelcomeOrError(req, created)
}

func (r *Router) serveWelcomeOrError(req *Request, success bool) int {
	name := "error.html"
	if success {
		name = "welcome.html"
	}
	path := filepath.Join(r.resourceDir, name)
	if !req.Resp.SetFileBody(path) {
		return r.serveErrorBody(req, 404)
	}
	return 200
}
