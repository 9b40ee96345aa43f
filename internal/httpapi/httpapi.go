// Package httpapi is the HTTP skin over the fleet kernel: gin routes,
// bearer-token auth, the websocket event feed, and the kind-to-status
// error mapping. Handlers validate and translate; they never implement
// domain logic themselves.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetmux/fleetmux/internal/compound"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/metrics"
	"github.com/fleetmux/fleetmux/internal/spawnqueue"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

// ctxCaller is the gin context key holding the authenticated handle.
// Empty means the operator (no token presented).
const ctxCaller = "caller"

// Server wires the HTTP surface to the kernel services.
type Server struct {
	cfg    config.Config
	log    *slog.Logger
	store  *store.Store
	hub    *hub.Hub
	sup    *supervisor.Supervisor
	queue  *spawnqueue.Queue
	swarms *swarm.Service
	runs   *compound.Driver
}

// New builds the HTTP server facade.
func New(cfg config.Config, log *slog.Logger, st *store.Store, h *hub.Hub,
	sup *supervisor.Supervisor, queue *spawnqueue.Queue, swarms *swarm.Service,
	runs *compound.Driver) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.With("component", "httpapi"),
		store:  st,
		hub:    h,
		sup:    sup,
		queue:  queue,
		swarms: swarms,
		runs:   runs,
	}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestMetrics())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/events", s.auth(), s.wsEvents)

	api := r.Group("/api", s.auth())
	{
		api.POST("/workers", s.spawnWorker)
		api.GET("/workers", s.listWorkers)
		api.GET("/workers/:handle", s.getWorker)
		api.GET("/workers/:handle/output", s.readOutput)
		api.DELETE("/workers/:handle", s.dismissWorker)
		api.POST("/workers/:handle/heartbeat", s.heartbeat)
		api.POST("/workers/:handle/input", s.sendInput)
		api.POST("/broadcast", s.broadcast)
		api.GET("/status", s.fleetStatus)

		api.POST("/swarms", s.createSwarm)
		api.GET("/swarms", s.listSwarms)
		api.GET("/swarms/:id", s.getSwarm)
		api.DELETE("/swarms/:id", s.killSwarm)

		api.POST("/swarms/:id/messages", s.postMessage)
		api.GET("/swarms/:id/messages", s.readMessages)
		api.POST("/messages/:id/read", s.markMessageRead)
		api.POST("/messages/:id/archive", s.archiveMessage)

		api.POST("/checkpoints", s.createCheckpoint)
		api.GET("/checkpoints", s.listCheckpoints)
		api.POST("/checkpoints/:id/respond", s.respondCheckpoint)

		api.POST("/spawn-queue", s.enqueueSpawn)
		api.GET("/spawn-queue", s.listSpawnQueue)
		api.DELETE("/spawn-queue/:id", s.cancelSpawn)

		api.POST("/swarms/:id/pheromones", s.depositPheromone)
		api.GET("/swarms/:id/pheromones", s.queryPheromones)
		api.POST("/swarms/:id/pheromones/decay", s.decayPheromones)
		api.GET("/swarms/:id/activity", s.resourceActivity)
		api.POST("/swarms/:id/route", s.routeTasks)

		api.POST("/swarms/:id/beliefs", s.upsertBelief)
		api.GET("/swarms/:id/beliefs", s.listBeliefs)
		api.DELETE("/swarms/:id/beliefs", s.retractBelief)
		api.GET("/swarms/:id/consensus", s.beliefConsensus)

		api.GET("/swarms/:id/credits/:handle", s.creditAccount)
		api.POST("/swarms/:id/credits/:handle/transactions", s.recordTransaction)
		api.GET("/swarms/:id/credits/:handle/transactions", s.transactionHistory)
		api.POST("/swarms/:id/transfer", s.transferCredits)
		api.POST("/swarms/:id/outcomes", s.recordOutcome)
		api.GET("/swarms/:id/leaderboard", s.leaderboard)

		api.POST("/swarms/:id/proposals", s.createProposal)
		api.GET("/swarms/:id/proposals", s.listProposals)
		api.GET("/proposals/:id", s.getProposal)
		api.POST("/proposals/:id/votes", s.castVote)
		api.POST("/proposals/:id/close", s.closeProposal)

		api.POST("/tasks/:taskId/bids", s.submitBid)
		api.GET("/tasks/:taskId/bids", s.listBids)
		api.POST("/tasks/:taskId/evaluate", s.evaluateBids)
		api.POST("/tasks/:taskId/auction", s.runAuction)
		api.POST("/bids/:id/accept", s.acceptBid)

		api.POST("/tasks/:taskId/payoffs", s.definePayoff)
		api.GET("/tasks/:taskId/payoffs", s.listPayoffs)
		api.GET("/tasks/:taskId/payoff", s.calculatePayoff)

		api.POST("/compound", s.startCompound)
		api.GET("/compound", s.listCompound)
		api.GET("/compound/:id", s.getCompound)

		api.GET("/fleet/snapshot", s.fleetSnapshot)
		api.GET("/fleet/lineage", s.fleetLineage)

		api.POST("/agents", s.createAgent)
		api.GET("/agents", s.listAgents)

		api.POST("/workitems", s.createWorkItem)
		api.GET("/workitems", s.listWorkItems)
		api.PATCH("/workitems/:id", s.updateWorkItem)

		api.POST("/mail", s.sendMail)
		api.GET("/mail", s.listMail)
		api.POST("/mail/:id/read", s.markMailRead)

		api.PUT("/workers/:handle/tldr", s.setTLDR)
		api.GET("/workers/:handle/tldr", s.getTLDR)
	}
	return r
}

// auth resolves a bearer token to a worker handle. No token means the
// operator; an unknown token is rejected outright.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(ctxCaller, "")
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody(fault.KindForbidden, "malformed authorization header"))
			return
		}
		agent, err := s.store.GetAgentByToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody(fault.KindForbidden, "unknown bearer token"))
			return
		}
		c.Set(ctxCaller, agent.Handle)
		c.Next()
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// caller returns the authenticated handle, empty for the operator.
func caller(c *gin.Context) string {
	return c.GetString(ctxCaller)
}

func errBody(kind fault.Kind, message string) gin.H {
	return gin.H{"err": true, "kind": string(kind), "message": message}
}

// fail writes the kind-mapped error response.
func (s *Server) fail(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	c.JSON(statusFor(kind), errBody(kind, err.Error()))
}

// badRequest rejects malformed input before the kernel sees it.
func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errBody(fault.KindInvariantViolation, "invalid request body: "+err.Error()))
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case fault.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindSpawnFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, errBody(fault.KindStorage, "store unreachable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// errMissing reports a required query parameter that was not supplied.
func errMissing(param string) error {
	return fmt.Errorf("missing required query parameter %q", param)
}

// intQuery parses an integer query parameter, 0 when absent or bad.
func intQuery(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

// floatQuery parses a float query parameter, 0 when absent or bad.
func floatQuery(c *gin.Context, name string) float64 {
	f, _ := strconv.ParseFloat(c.Query(name), 64)
	return f
}
