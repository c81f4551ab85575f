// Package api serves devstack state and service control over local HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackwell-systems/devstack/internal/fault"
	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/packages"
	"github.com/blackwell-systems/devstack/internal/project"
	"github.com/blackwell-systems/devstack/internal/services"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/ui"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

var logger = loggo.GetLogger("devstack.api")

var errBadQuery = fault.New(fault.InvalidInput, "invalid query parameter")

// ServiceManager controls system services.
type ServiceManager interface {
	List(ctx context.Context) ([]*inspect.ManagedService, error)
	Service(ctx context.Context, name string) (*inspect.ManagedService, error)
	SetDesiredState(ctx context.Context, name string, desired inspect.Status) (*services.Transition, error)
	SetAutostart(ctx context.Context, name string, enabled bool) (*services.Transition, error)
	Restart(ctx context.Context, name string) (*services.Transition, error)
}

// PackageInstaller runs queued package transactions.
type PackageInstaller interface {
	Install(ctx context.Context, id string) <-chan packages.Event
	Remove(ctx context.Context, id string) <-chan packages.Event
}

// Journal reads the action journal and drift log.
type Journal interface {
	ListActions(limit int, kind string) ([]*store.ActionRecord, error)
	ListDriftEvents(since time.Time) ([]*store.DriftEvent, error)
}

// Deps are the managers the API exposes. Nil members disable their routes.
type Deps struct {
	Services     ServiceManager
	Catalog      *packages.Catalog
	PackageState packages.State
	Installer    PackageInstaller
	Projects     interface{ List() ([]project.Project, error) }
	Sites        interface{ List() ([]vhost.Site, error) }
	Journal      Journal
	Gatherer     prometheus.Gatherer
}

type handler struct {
	Deps
}

// NewRouter returns the API routes.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		if d.Services != nil {
			r.Get("/services", h.listServices)
			r.Get("/services/{name}", h.getService)
			r.Post("/services/{name}/{action}", h.serviceAction)
		}
		if d.Catalog != nil {
			r.Get("/packages", h.listPackages)
			if d.Installer != nil {
				r.Post("/packages/{id}/install", h.packageStream(d.Installer.Install))
				r.Post("/packages/{id}/remove", h.packageStream(d.Installer.Remove))
			}
		}
		if d.Projects != nil {
			r.Get("/projects", h.listProjects)
		}
		if d.Sites != nil {
			r.Get("/sites", h.listSites)
		}
		if d.Journal != nil {
			r.Get("/history", h.history)
			r.Get("/drift", h.drift)
		}
	})

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error      string      `json:"error"`
	Category   ui.Category `json:"category"`
	Detail     string      `json:"detail,omitempty"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

// StatusFor maps an error category to an HTTP status.
func StatusFor(c ui.Category) int {
	switch c {
	case ui.Validation:
		return http.StatusBadRequest
	case ui.Permission:
		return http.StatusForbidden
	case ui.AlreadyInState:
		return http.StatusConflict
	case ui.NotInstalled:
		return http.StatusNotFound
	case ui.CommandFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warningf("failed to encode response: %v", err)
	}
}

func sendError(w http.ResponseWriter, err error) {
	m := ui.Describe(err)
	status := StatusFor(m.Category)
	if status >= 500 {
		logger.Errorf("%v", err)
	}
	sendJSON(w, status, errorBody{
		Error:      m.Title,
		Category:   m.Category,
		Detail:     m.Detail,
		Diagnostic: m.Diagnostic,
	})
}

func (h *handler) listServices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Services.List(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}

func (h *handler) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.Services.Service(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		sendError(w, err)
		return
	}
	if svc.Status == inspect.NotInstalled {
		sendError(w, notInstalled(svc.Name))
		return
	}
	sendJSON(w, http.StatusOK, svc)
}

func notInstalled(name string) error {
	return fault.Errorf(services.ErrNotInstalled, "%s is not installed", name)
}

func (h *handler) serviceAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	var (
		tr  *services.Transition
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		tr, err = h.Services.SetDesiredState(ctx, name, inspect.Running)
	case "stop":
		tr, err = h.Services.SetDesiredState(ctx, name, inspect.Stopped)
	case "restart":
		tr, err = h.Services.Restart(ctx, name)
	case "enable":
		tr, err = h.Services.SetAutostart(ctx, name, true)
	case "disable":
		tr, err = h.Services.SetAutostart(ctx, name, false)
	default:
		err = fault.Errorf(services.ErrInvalidRequest, "unknown action %q", action)
	}
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, tr)
}

func (h *handler) listPackages(w http.ResponseWriter, r *http.Request) {
	entries := h.Catalog.All()
	if q := r.URL.Query().Get("q"); q != "" {
		entries = h.Catalog.Search(q)
	}
	if h.PackageState != nil {
		merged, err := h.Catalog.Entries(r.Context(), h.PackageState, entries...)
		if err != nil {
			sendError(w, err)
			return
		}
		entries = merged
	}
	sendJSON(w, http.StatusOK, entries)
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.Projects.List()
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}

func (h *handler) listSites(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sites.List()
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(w, fault.Errorf(errBadQuery, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	records, err := h.Journal.ListActions(limit, r.URL.Query().Get("kind"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, records)
}

func (h *handler) drift(w http.ResponseWriter, r *http.Request) {
	since := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			sendError(w, fault.Errorf(errBadQuery, "since must be a positive duration such as 24h"))
			return
		}
		since = d
	}
	events, err := h.Journal.ListDriftEvents(time.Now().Add(-since))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, events)
}
