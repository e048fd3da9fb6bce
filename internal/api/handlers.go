package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incident/internal/lifecycle"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// Pipeline is the agent contract the API surfaces.
type Pipeline interface {
	RunCycle(ctx context.Context) models.CollectSummary
	Status(ctx context.Context) models.AgentStatus
	TestConnections(ctx context.Context) []models.ConnectivityResult
}

// IncidentDirectory is the incident query/transition contract.
type IncidentDirectory interface {
	List(status models.IncidentStatus, severity models.Severity) []models.Incident
	Get(id string) (models.Incident, error)
	Resolve(ctx context.Context, id, resolution string) (models.Incident, error)
	Investigate(ctx context.Context, id string) (models.Incident, error)
}

// KnowledgeStore is the knowledge index contract for runbook management.
type KnowledgeStore interface {
	Upsert(ctx context.Context, doc models.KnowledgeDocument) error
	Search(ctx context.Context, terms []string, kinds []models.KnowledgeKind, limit int) ([]models.KnowledgeDocument, error)
}

// Handlers binds the operator endpoints to the agent's components.
type Handlers struct {
	pipeline  Pipeline
	incidents IncidentDirectory
	knowledge KnowledgeStore
	logger    *slog.Logger
}

// NewHandlers constructs the handler set. knowledge may be nil when no index
// is configured; runbook endpoints then answer 503.
func NewHandlers(pipeline Pipeline, incidents IncidentDirectory, knowledge KnowledgeStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{pipeline: pipeline, incidents: incidents, knowledge: knowledge, logger: logger}
}

// RegisterRoutes attaches all operator endpoints to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/ready", h.ready)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.status)
		v1.POST("/collect", h.collect)
		v1.GET("/incidents", h.listIncidents)
		v1.GET("/incidents/:id", h.getIncident)
		v1.POST("/incidents/:id/resolve", h.resolveIncident)
		v1.POST("/incidents/:id/investigate", h.investigateIncident)
		v1.POST("/runbooks", h.indexRunbook)
		v1.GET("/runbooks/search", h.searchRunbooks)
		v1.GET("/test/connections", h.testConnections)
	}
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) ready(c *gin.Context) {
	status := h.pipeline.Status(c.Request.Context())
	if !status.Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *Handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, agentStatusJSON(h.pipeline.Status(c.Request.Context())))
}

func (h *Handlers) collect(c *gin.Context) {
	summary := h.pipeline.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, collectSummaryJSON(summary))
}

func (h *Handlers) listIncidents(c *gin.Context) {
	status := models.IncidentStatus(strings.ToLower(c.Query("status")))
	severity := models.ParseSeverity(c.Query("severity"))
	if c.Query("severity") != "" && severity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity " + c.Query("severity")})
		return
	}

	incidents := h.incidents.List(status, severity)
	out := make([]gin.H, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, incidentJSON(inc))
	}
	c.JSON(http.StatusOK, gin.H{"incidents": out, "count": len(out)})
}

func (h *Handlers) getIncident(c *gin.Context) {
	inc, err := h.incidents.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incidentJSON(inc))
}

func (h *Handlers) resolveIncident(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution is required"})
		return
	}

	inc, err := h.incidents.Resolve(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		case errors.Is(err, lifecycle.ErrTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "incident already closed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, incidentJSON(inc))
}

func (h *Handlers) investigateIncident(c *gin.Context) {
	inc, err := h.incidents.Investigate(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		case errors.Is(err, lifecycle.ErrBadTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, incidentJSON(inc))
}

func (h *Handlers) indexRunbook(c *gin.Context) {
	if h.knowledge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge index not configured"})
		return
	}

	var req struct {
		Title    string   `json:"title" binding:"required"`
		Category string   `json:"category"`
		Keywords []string `json:"keywords"`
		Sections []string `json:"sections" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and sections are required"})
		return
	}

	doc := models.KnowledgeDocument{
		ID:           "runbook-" + uuid.NewString(),
		Kind:         models.KnowledgeRunbook,
		Title:        req.Title,
		Category:     models.Category(strings.ToLower(req.Category)),
		Keywords:     req.Keywords,
		BodySections: req.Sections,
		SourceRef:    "operator",
		IndexedAt:    time.Now().UTC(),
	}
	if err := h.knowledge.Upsert(c.Request.Context(), doc); err != nil {
		h.logger.Warn("runbook indexing failed", slog.String("title", req.Title), slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "knowledge index write failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": doc.ID})
}

func (h *Handlers) searchRunbooks(c *gin.Context) {
	if h.knowledge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge index not configured"})
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit := 5
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var kinds []models.KnowledgeKind
	if kind := strings.ToLower(c.Query("kind")); kind != "" {
		kinds = append(kinds, models.KnowledgeKind(kind))
	}

	docs, err := h.knowledge.Search(c.Request.Context(), strings.Fields(strings.ToLower(query)), kinds, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "knowledge index search failed"})
		return
	}
	out := make([]gin.H, 0, len(docs))
	for _, doc := range docs {
		out = append(out, knowledgeJSON(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out, "count": len(out)})
}

func (h *Handlers) testConnections(c *gin.Context) {
	results := h.pipeline.TestConnections(c.Request.Context())
	allOK := true
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		entry := gin.H{
			"name":       r.Name,
			"ok":         r.OK,
			"latency_ms": r.Latency.Milliseconds(),
		}
		if r.Error != "" {
			entry["error"] = r.Error
			allOK = false
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"connections": out, "all_ok": allOK})
}

func incidentJSON(inc models.Incident) gin.H {
	out := gin.H{
		"id":                  inc.ID,
		"fingerprint":         inc.Fingerprint,
		"status":              string(inc.Status),
		"severity":            string(inc.Severity),
		"category":            string(inc.Category),
		"description":         inc.Description,
		"root_cause_analysis": inc.RootCauseAnalysis,
		"recommended_actions": inc.RecommendedActions,
		"ticket_ref":          inc.TicketRef,
		"created_at":          inc.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":          inc.UpdatedAt.UTC().Format(time.RFC3339),
		"degraded_context":    inc.DegradedContext,
		"event_count":         len(inc.EventHistory),
	}
	if !inc.ResolvedAt.IsZero() {
		out["resolved_at"] = inc.ResolvedAt.UTC().Format(time.RFC3339)
		out["resolution"] = inc.Resolution
	}
	if len(inc.EventHistory) > 0 {
		events := make([]gin.H, 0, len(inc.EventHistory))
		for _, e := range inc.EventHistory {
			events = append(events, eventJSON(e))
		}
		out["events"] = events
	}
	return out
}

func eventJSON(e models.Event) gin.H {
	out := gin.H{
		"id":          e.ID,
		"source_kind": string(e.SourceKind),
		"resource_id": e.ResourceID,
		"namespace":   e.Namespace,
		"metric_name": e.MetricName,
		"state":       string(e.State),
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.ObservedValue != nil {
		out["observed_value"] = *e.ObservedValue
	}
	if e.Threshold != nil {
		out["threshold"] = *e.Threshold
	}
	return out
}

func knowledgeJSON(doc models.KnowledgeDocument) gin.H {
	return gin.H{
		"id":       doc.ID,
		"kind":     string(doc.Kind),
		"title":    doc.Title,
		"category": string(doc.Category),
		"keywords": doc.Keywords,
		"sections": doc.BodySections,
		"score":    doc.Score,
	}
}

func agentStatusJSON(status models.AgentStatus) gin.H {
	collectors := make([]gin.H, 0, len(status.Collectors))
	for _, c := range status.Collectors {
		entry := gin.H{
			"kind":                 c.Kind,
			"healthy":              c.Healthy,
			"consecutive_failures": c.ConsecutiveFailures,
		}
		if !c.LastPoll.IsZero() {
			entry["last_poll"] = c.LastPoll.UTC().Format(time.RFC3339)
		}
		if c.LastError != "" {
			entry["last_error"] = c.LastError
		}
		collectors = append(collectors, entry)
	}

	byStatus := make(map[string]int, len(status.Incidents.ByStatus))
	for k, v := range status.Incidents.ByStatus {
		byStatus[string(k)] = v
	}
	bySeverity := make(map[string]int, len(status.Incidents.BySeverity))
	for k, v := range status.Incidents.BySeverity {
		bySeverity[string(k)] = v
	}

	knowledge := gin.H{"reachable": status.Knowledge.Reachable}
	if len(status.Knowledge.DocumentCounts) > 0 {
		counts := make(map[string]int, len(status.Knowledge.DocumentCounts))
		for k, v := range status.Knowledge.DocumentCounts {
			counts[string(k)] = v
		}
		knowledge["documents"] = counts
	}

	out := gin.H{
		"running":    status.Running,
		"collectors": collectors,
		"incidents": gin.H{
			"total":       status.Incidents.Total,
			"open":        status.Incidents.Open,
			"by_status":   byStatus,
			"by_severity": bySeverity,
		},
		"knowledge": knowledge,
	}
	if !status.LastCycle.IsZero() {
		out["last_cycle"] = status.LastCycle.UTC().Format(time.RFC3339)
	}
	return out
}

func collectSummaryJSON(summary models.CollectSummary) gin.H {
	out := gin.H{
		"started_at":         summary.StartedAt.UTC().Format(time.RFC3339),
		"duration_ms":        summary.Duration.Milliseconds(),
		"events_collected":   summary.EventsCollected,
		"events_admitted":    summary.EventsAdmitted,
		"incidents_created":  summary.IncidentsCreated,
		"incidents_updated":  summary.IncidentsUpdated,
		"incidents_resolved": summary.IncidentsResolved,
	}
	if len(summary.SourceErrors) > 0 {
		out["source_errors"] = summary.SourceErrors
	}
	return out
}
