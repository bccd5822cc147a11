// Package console serves a small HTTP API for inspecting and operating a
// running framework: bundles with their wiring, registered services, start,
// stop and refresh, and the framework's Prometheus metrics.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/GoCodeAlone/modrt"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrBundleNotFound = errors.New("bundle not found")
	ErrInvalidID      = errors.New("invalid bundle id")
)

// BundleInfo is the JSON view of a bundle.
type BundleInfo struct {
	ID           int64  `json:"id"`
	SymbolicName string `json:"symbolicName"`
	Version      string `json:"version"`
	Location     string `json:"location"`
	State        string `json:"state"`
	StartLevel   int    `json:"startLevel"`
	Persistent   bool   `json:"persistentlyStarted"`
	Fragment     bool   `json:"fragment,omitempty"`
}

// WireInfo is one required wire of a bundle.
type WireInfo struct {
	Namespace  string `json:"namespace"`
	Capability string `json:"capability"`
	ProviderID int64  `json:"providerId"`
	Provider   string `json:"provider"`
}

// BundleDetail adds wiring and service information to BundleInfo.
type BundleDetail struct {
	BundleInfo
	Revisions     int        `json:"revisions"`
	LastModified  time.Time  `json:"lastModified"`
	Wires         []WireInfo `json:"wires"`
	Dependents    []int64    `json:"dependents"`
	Registered    []int64    `json:"registeredServices"`
	InUse         []int64    `json:"servicesInUse"`
	RemovePending bool       `json:"removalPending"`
}

// ServiceInfo is the JSON view of a service registration.
type ServiceInfo struct {
	ID         int64          `json:"id"`
	Classes    []string       `json:"objectClass"`
	BundleID   int64          `json:"bundleId"`
	Ranking    int            `json:"ranking"`
	Using      []int64        `json:"usingBundles"`
	Properties map[string]any `json:"properties"`
}

// Console is the HTTP front end of one framework.
type Console struct {
	fw     *modrt.Framework
	logger modrt.Logger
	router chi.Router
}

// New builds the console routes for fw.
func New(fw *modrt.Framework) *Console {
	c := &Console{fw: fw, logger: fw.Logger(), router: chi.NewRouter()}
	c.router.Use(middleware.RequestID)
	c.router.Use(middleware.Recoverer)

	c.router.Get("/bundles", c.listBundles)
	c.router.Route("/bundles/{id}", func(r chi.Router) {
		r.Get("/", c.bundleDetail)
		r.Post("/start", c.bundleOp(func(ctx context.Context, b *modrt.Bundle) error { return b.Start(ctx, 0) }))
		r.Post("/stop", c.bundleOp(func(ctx context.Context, b *modrt.Bundle) error { return b.Stop(ctx, 0) }))
		r.Post("/refresh", c.bundleOp(func(ctx context.Context, b *modrt.Bundle) error { return c.fw.RefreshBundles(ctx, b) }))
	})
	c.router.Post("/refresh", c.refresh)
	c.router.Get("/services", c.listServices)
	if reg := fw.MetricsRegistry(); reg != nil {
		c.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return c
}

func (c *Console) Handler() http.Handler { return c.router }

// Serve listens on addr until ctx ends.
func (c *Console) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: c.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.logger.Info("Console listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (c *Console) listBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := c.fw.FindBundles(r.URL.Query().Get("filter"))
	if err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	out := make([]BundleInfo, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, info(b))
	}
	c.write(w, http.StatusOK, out)
}

func (c *Console) bundleDetail(w http.ResponseWriter, r *http.Request) {
	b, err := c.bundle(r)
	if err != nil {
		c.fail(w, statusFor(err), err)
		return
	}
	owners := map[*resource.Resource]*modrt.Bundle{}
	for _, x := range c.fw.Bundles() {
		for _, rev := range x.Revisions() {
			owners[rev] = x
		}
	}

	d := BundleDetail{
		BundleInfo:   info(b),
		Revisions:    len(b.Revisions()),
		LastModified: b.LastModified(),
		Wires:        []WireInfo{},
		Dependents:   []int64{},
		Registered:   refIDs(b.RegisteredServices()),
		InUse:        refIDs(b.ServicesInUse()),
	}
	if wiring := b.Wiring(); wiring != nil {
		for _, wire := range wiring.RequiredWires("") {
			wi := WireInfo{
				Namespace:  wire.Requirement.Namespace,
				Capability: wire.Capability.String(),
				ProviderID: -1,
				Provider:   wire.Provider.String(),
			}
			if p := owners[wire.Provider]; p != nil {
				wi.ProviderID = p.ID()
			}
			d.Wires = append(d.Wires, wi)
		}
		seen := map[int64]bool{}
		for _, wire := range wiring.ProvidedWires("") {
			if x := owners[wire.Requirer]; x != nil && !seen[x.ID()] {
				seen[x.ID()] = true
				d.Dependents = append(d.Dependents, x.ID())
			}
		}
		sort.Slice(d.Dependents, func(i, j int) bool { return d.Dependents[i] < d.Dependents[j] })
	}
	for _, x := range c.fw.RemovalPending() {
		if x == b {
			d.RemovePending = true
		}
	}
	c.write(w, http.StatusOK, d)
}

func (c *Console) bundleOp(op func(context.Context, *modrt.Bundle) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := c.bundle(r)
		if err != nil {
			c.fail(w, statusFor(err), err)
			return
		}
		if err := op(r.Context(), b); err != nil {
			c.fail(w, statusFor(err), err)
			return
		}
		c.write(w, http.StatusOK, info(b))
	}
}

func (c *Console) refresh(w http.ResponseWriter, r *http.Request) {
	if err := c.fw.RefreshBundles(r.Context()); err != nil {
		c.fail(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Console) listServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refs, err := c.fw.Context().GetAllServiceReferences(q.Get("class"), q.Get("filter"))
	if err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	out := make([]ServiceInfo, 0, len(refs))
	for _, ref := range refs {
		si := ServiceInfo{
			ID:         ref.ID(),
			Classes:    ref.Classes(),
			BundleID:   -1,
			Ranking:    ref.Ranking(),
			Using:      []int64{},
			Properties: ref.Properties(),
		}
		if owner := ref.Bundle(); owner != nil {
			si.BundleID = owner.ID()
		}
		for _, u := range ref.UsingBundles() {
			si.Using = append(si.Using, u.ID())
		}
		out = append(out, si)
	}
	c.write(w, http.StatusOK, out)
}

func (c *Console) bundle(r *http.Request) (*modrt.Bundle, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, ErrInvalidID
	}
	b := c.fw.Bundle(id)
	if b == nil {
		return nil, ErrBundleNotFound
	}
	return b, nil
}

func info(b *modrt.Bundle) BundleInfo {
	rev := b.Revision()
	return BundleInfo{
		ID:           b.ID(),
		SymbolicName: rev.SymbolicName,
		Version:      rev.Version.String(),
		Location:     b.Location(),
		State:        b.State().String(),
		StartLevel:   b.StartLevel(),
		Persistent:   b.IsPersistentlyStarted(),
		Fragment:     rev.IsFragment(),
	}
}

func refIDs(refs []*modrt.ServiceReference) []int64 {
	out := make([]int64, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID())
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, ErrBundleNotFound):
		return http.StatusNotFound
	case modrt.IsBundleError(err, modrt.KindStateChangeTimeout):
		return http.StatusConflict
	case modrt.IsBundleError(err, modrt.KindInvalidOperation),
		modrt.IsBundleError(err, modrt.KindResolveFailed),
		modrt.IsBundleError(err, modrt.KindExecutionEnvironment),
		modrt.IsBundleError(err, modrt.KindUninstalled):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Console) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		c.logger.Error("Console request failed", "error", err)
	}
	c.write(w, status, errorBody{Error: err.Error()})
}

func (c *Console) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Warn("Console response encoding failed", "error", err)
	}
}
