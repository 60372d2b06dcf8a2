// Package statusz serves a minimal HTTP introspection endpoint used to
// pull goroutine stack dumps from a running worker, bound to an
// ephemeral localhost port so it never competes for a well-known port
// or is reachable off-box.
package statusz

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"runtime"
	"strings"

	"github.com/gorilla/mux"

	"github.com/dataflow-go/batchworker/pkg/logging"
)

// Server serves goroutine stack dumps on an ephemeral localhost port.
type Server struct {
	listener net.Listener
	log      *logging.Logger
}

// Start binds a listener on 127.0.0.1:0 and begins serving in the
// background. Callers should defer Close. The bound port is returned so
// it can be logged at startup; nothing else depends on it.
func Start(log *logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("statusz: binding listener: %w", err)
	}

	s := &Server{listener: ln, log: log}

	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(s.handleStatus).Methods(http.MethodGet)

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("statusz: server exited: %v", err)
		}
	}()

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops serving and releases the listener.
func (s *Server) Close() error { return s.listener.Close() }

// goroutineHeaderPattern matches the first line of each block in
// runtime.Stack's all-goroutines dump, e.g. "goroutine 7 [running]:".
var goroutineHeaderPattern = regexp.MustCompile(`^goroutine (\d+) \[([^\]]+)\]:$`)

// handleStatus writes one section per live goroutine, each headed by
// "--- Thread #<id> name: <name> ---" followed by its stack trace. Go has
// no thread names; the goroutine's scheduling state (e.g. "running",
// "chan receive") fills that role, the closest analogue available.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	for _, block := range strings.Split(string(buf), "\n\n") {
		block = strings.TrimRight(block, "\n")
		if block == "" {
			continue
		}
		header, trace, _ := strings.Cut(block, "\n")
		id, name := "?", header
		if m := goroutineHeaderPattern.FindStringSubmatch(header); m != nil {
			id, name = m[1], m[2]
		}
		fmt.Fprintf(w, "--- Thread #%s name: %s ---\n%s\n\n", id, name, trace)
	}
}
