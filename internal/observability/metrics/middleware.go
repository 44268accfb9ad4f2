package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// UnmatchedRoute labels requests that no route served.
const UnmatchedRoute = "other"

// RouteFunc returns the route pattern that serves r, or "" when none does.
type RouteFunc func(r *http.Request) string

// RouterRoutes resolves requests against router, turning parameter values
// back into their :name and *name placeholders.
func RouterRoutes(router *httprouter.Router) RouteFunc {
	return func(r *http.Request) string {
		handle, params, _ := router.Lookup(r.Method, r.URL.Path)
		if handle == nil {
			return ""
		}
		pattern := r.URL.Path
		for i := len(params) - 1; i >= 0; i-- {
			p := params[i]
			if strings.HasPrefix(p.Value, "/") {
				pattern = strings.TrimSuffix(pattern, p.Value) + "/*" + p.Key
				continue
			}
			if idx := strings.LastIndex(pattern, "/"+p.Value); idx >= 0 {
				pattern = pattern[:idx] + "/:" + p.Key + pattern[idx+1+len(p.Value):]
			}
		}
		return pattern
	}
}

// ResponseRecorder captures the status written by a handler. It keeps
// Hijack working so websocket upgrades pass through.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack marks the request as switched protocols once the connection is
// taken over.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil && !rr.wroteHeader {
		rr.status = http.StatusSwitchingProtocols
		rr.wroteHeader = true
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware observes every request served by next. Requests route does
// not resolve are labelled UnmatchedRoute so arbitrary paths never become
// label values. A nil recorder uses Default.
func HTTPMiddleware(recorder *Recorder, route RouteFunc, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label := UnmatchedRoute
		if route != nil {
			if pattern := route(r); pattern != "" {
				label = pattern
			}
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		rec.ObserveRequest(r.Method, label, rr.Status(), time.Since(start))
	})
}
