package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/metrics"
)

// Store is the registry surface the API exposes.
type Store interface {
	Find(id string) (*agent.Agent, error)
	List(statuses ...agent.Status) ([]*agent.Agent, error)
	Reconcile(liveKeys []string) ([]string, error)
}

// Router provides embeddable read-mostly HTTP handlers over the registry.
// Endpoints:
//
//	GET  {basePath}/agents          query: status=... (optional, repeatable)
//	GET  {basePath}/agents/:id
//	POST {basePath}/reconcile
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	store    Store
	host     host.Host
	group    string
	basePath string
}

func NewRouter(store Store, h host.Host, group, basePath string) *Router {
	return &Router{store: store, host: h, group: group, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimRight(bp, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return bp
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/agents", r.handleList)
	group.GET("/agents/:id", r.handleFind)
	group.POST("/reconcile", r.handleReconcile)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, store Store, h host.Host, group string) *http.Server {
	r := NewRouter(store, h, group, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleList(c *gin.Context) {
	var statuses []agent.Status
	for _, s := range c.QueryArray("status") {
		statuses = append(statuses, agent.Status(s))
	}
	agents, err := r.store.List(statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	c.JSON(http.StatusOK, agents)
}

func (r *Router) handleFind(c *gin.Context) {
	a, err := r.store.Find(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

type reconcileResp struct {
	Changed []string `json:"changed"`
}

func (r *Router) handleReconcile(c *gin.Context) {
	sessions, err := r.host.ListSessions(c.Request.Context(), r.group)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		keys = append(keys, s.PaneID)
	}
	changed, err := r.store.Reconcile(keys)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	metrics.AddReconciled(len(changed))
	if changed == nil {
		changed = []string{}
	}
	c.JSON(http.StatusOK, reconcileResp{Changed: changed})
}
