package condorhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"condor/internal/engine"
	"condor/internal/logger"
	"condor/internal/store"
	"condor/internal/store/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
)

// EngineControl is the slice of the engine the API needs.
type EngineControl interface {
	ScanOnce(ctx context.Context) error
	Enqueue(ctx context.Context, strategyID int64, reason string) (bool, error)
}

// Router exposes strategy management under /api/v1.
type Router struct {
	store  store.Store
	engine EngineControl
}

func NewRouter(st store.Store, eng EngineControl) *Router {
	return &Router{store: st, engine: eng}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/strategies", r.handleCreate)
	group.GET("/strategies", r.handleList)
	group.GET("/strategies/:id", r.handleGet)
	group.PUT("/strategies/:id", r.handleEdit)
	group.DELETE("/strategies/:id", r.handleDelete)

	group.POST("/strategies/:id/activate", r.handleActivate)
	group.POST("/strategies/:id/pause", r.handlePause)
	group.POST("/strategies/:id/resume", r.handleResume)
	group.POST("/strategies/:id/cancel", r.handleCancel)
	group.POST("/strategies/:id/recheck", r.handleRecheck)

	group.GET("/strategies/:id/events", r.handleEvents)
	group.GET("/strategies/:id/runs", r.handleRuns)
	group.POST("/scan", r.handleScan)
}

// validateBody runs the JSON schema over the raw body and returns the parsed
// document for gjson extraction.
func validateBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return nil, false
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
		return nil, false
	}
	if err := createStrategySchema.Validate(doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return body, true
}

// parsePayloads turns the schema-checked body into validated domain payloads.
func parsePayloads(c *gin.Context, body []byte) (conds datatypes.JSON, action datatypes.JSON, ok bool) {
	condsRaw := gjson.GetBytes(body, "conditions").Raw
	if _, err := engine.ParseConditions([]byte(condsRaw)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	actionRaw := gjson.GetBytes(body, "trade_action").Raw
	if actionRaw != "" {
		if _, err := engine.ParseTradeAction([]byte(actionRaw)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, nil, false
		}
		action = datatypes.JSON(actionRaw)
	}
	return datatypes.JSON(condsRaw), action, true
}

func (r *Router) handleCreate(c *gin.Context) {
	body, ok := validateBody(c)
	if !ok {
		return
	}
	conds, action, ok := parsePayloads(c, body)
	if !ok {
		return
	}

	doc := gjson.ParseBytes(body)
	row := &model.StrategyModel{
		Name:           doc.Get("name").String(),
		Status:         model.StatusPendingActivation,
		ConditionLogic: strings.ToUpper(doc.Get("condition_logic").String()),
		Conditions:     conds,
		TradeAction:    action,
		ExpireMode:     model.ExpireModeNone,
	}
	if row.ConditionLogic == "" {
		row.ConditionLogic = "AND"
	}
	if next := doc.Get("next_strategy_id"); next.Exists() {
		id := next.Int()
		row.NextID = &id
	}
	if mode := doc.Get("expire_mode"); mode.Exists() {
		row.ExpireMode = mode.String()
	}
	switch row.ExpireMode {
	case model.ExpireModeAbsolute:
		at := doc.Get("expire_at")
		if !at.Exists() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expire_mode absolute requires expire_at"})
			return
		}
		ms := at.Int()
		row.ExpireAtUnix = &ms
	case model.ExpireModeRelative:
		in := doc.Get("expire_in_seconds")
		if !in.Exists() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expire_mode relative requires expire_in_seconds"})
			return
		}
		secs := in.Int()
		row.ExpireInSeconds = &secs
	}

	if err := r.store.CreateStrategy(c.Request.Context(), row); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if row.NextID != nil {
		// Best-effort back link; the chain works off next_strategy_id alone.
		next, err := r.store.GetStrategy(c.Request.Context(), *row.NextID)
		if err == nil && next != nil {
			_, err = r.store.UpdateStrategyCAS(c.Request.Context(), next.ID, next.Status, next.Version, map[string]any{
				"upstream_strategy_id": row.ID,
			})
		}
		if err != nil {
			logger.Warnf("back-link downstream %d to %d failed: %v", *row.NextID, row.ID, err)
		}
	}
	c.JSON(http.StatusCreated, r.view(c.Request.Context(), row, false))
}

func (r *Router) handleList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	rows, err := r.store.ListStrategies(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]strategyView, 0, len(rows))
	for i := range rows {
		views = append(views, r.view(c.Request.Context(), &rows[i], false))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": views, "count": len(views)})
}

func (r *Router) handleGet(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.view(c.Request.Context(), row, true))
}

// handleEdit replaces the strategy's configuration. Allowed only while the
// strategy is not running; the version check keeps two editors honest.
func (r *Router) handleEdit(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	switch row.Status {
	case model.StatusPendingActivation, model.StatusVerifyFailed, model.StatusPaused:
	default:
		c.JSON(http.StatusConflict, gin.H{"error": "strategy in " + string(row.Status) + " cannot be edited"})
		return
	}
	body, ok := validateBody(c)
	if !ok {
		return
	}
	conds, action, ok := parsePayloads(c, body)
	if !ok {
		return
	}
	doc := gjson.ParseBytes(body)
	updates := map[string]any{
		"name":            doc.Get("name").String(),
		"conditions_json": conds,
	}
	if logic := strings.ToUpper(doc.Get("condition_logic").String()); logic != "" {
		updates["condition_logic"] = logic
	}
	if action != nil {
		updates["trade_action_json"] = action
	}
	r.casUpdate(c, row, updates, "")
}

func (r *Router) handleDelete(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	if !row.Status.Terminal() && row.Status != model.StatusPendingActivation && row.Status != model.StatusVerifyFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "only finished or never-activated strategies can be deleted"})
		return
	}
	deleted, err := r.store.SoftDeleteStrategy(c.Request.Context(), row.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusConflict, gin.H{"error": "strategy changed concurrently"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": row.ID})
}

// handleActivate queues the strategy for venue verification.
func (r *Router) handleActivate(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	if row.Status != model.StatusPendingActivation && row.Status != model.StatusVerifyFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "strategy in " + string(row.Status) + " cannot be activated"})
		return
	}
	r.casUpdate(c, row, map[string]any{"status": model.StatusVerifying}, "")
}

func (r *Router) handlePause(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	if row.Status != model.StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "only ACTIVE strategies can be paused"})
		return
	}
	r.casUpdate(c, row, map[string]any{"status": model.StatusPaused}, engine.EventPaused)
}

// handleResume puts a paused strategy back to ACTIVE. The logical activation
// time is untouched, so since-activation metrics keep their original window.
func (r *Router) handleResume(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	if row.Status != model.StatusPaused {
		c.JSON(http.StatusConflict, gin.H{"error": "only PAUSED strategies can be resumed"})
		return
	}
	updates := map[string]any{
		"status":       model.StatusActive,
		"activated_at": time.Now().UnixMilli(),
	}
	r.casUpdate(c, row, updates, engine.EventResumed)
}

func (r *Router) handleCancel(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	if row.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "strategy already finished"})
		return
	}
	r.casUpdate(c, row, map[string]any{"status": model.StatusCancelled}, engine.EventCancelled)
}

func (r *Router) handleRecheck(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	queued, err := r.engine.Enqueue(c.Request.Context(), row.ID, "api")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (r *Router) handleScan(c *gin.Context) {
	if err := r.engine.ScanOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scanning"})
}

func (r *Router) handleEvents(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := r.store.ListEvents(c.Request.Context(), row.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (r *Router) handleRuns(c *gin.Context) {
	row, ok := r.loadStrategy(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := r.store.ListRuns(c.Request.Context(), row.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// --------------------------- helpers ---------------------------

func (r *Router) loadStrategy(c *gin.Context) (*model.StrategyModel, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return nil, false
	}
	row, err := r.store.GetStrategy(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return nil, false
	}
	return row, true
}

// casUpdate applies a version-checked update from the row's snapshot. The
// caller may pin an older version via the ?version query to detect lost
// updates across read-modify-write round trips.
func (r *Router) casUpdate(c *gin.Context, row *model.StrategyModel, updates map[string]any, eventType string) {
	version := row.Version
	if v := strings.TrimSpace(c.Query("version")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
			return
		}
		version = parsed
	}
	ok, err := r.store.UpdateStrategyCAS(c.Request.Context(), row.ID, row.Status, version, updates)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "strategy changed concurrently, reload and retry"})
		return
	}
	if eventType != "" {
		evt := &model.EventModel{
			EventID:       uuid.NewString(),
			StrategyID:    row.ID,
			Type:          eventType,
			CreatedAtUnix: time.Now().UnixMilli(),
		}
		if err := r.store.AppendEvent(c.Request.Context(), evt); err != nil {
			logger.Warnf("append %s event for strategy %d failed: %v", eventType, row.ID, err)
		}
	}
	fresh, err := r.store.GetStrategy(c.Request.Context(), row.ID)
	if err != nil || fresh == nil {
		c.JSON(http.StatusOK, gin.H{"updated": row.ID})
		return
	}
	c.JSON(http.StatusOK, r.view(c.Request.Context(), fresh, false))
}

func (r *Router) view(ctx context.Context, row *model.StrategyModel, withStates bool) strategyView {
	v := strategyView{
		ID:                 row.ID,
		Name:               row.Name,
		Status:             row.Status,
		Version:            row.Version,
		ConditionLogic:     row.ConditionLogic,
		UpstreamID:         row.UpstreamID,
		NextID:             row.NextID,
		ExpireMode:         row.ExpireMode,
		ExpireAt:           fmtMsPtr(row.ExpireAtUnix),
		ActivatedAt:        fmtMsPtr(row.ActivatedAtUnix),
		LogicalActivatedAt: fmtMsPtr(row.LogicalActivatedAt),
		CreatedAt:          fmtMs(row.CreatedAtUnix),
		UpdatedAt:          fmtMs(row.UpdatedAtUnix),
	}
	if len(row.Conditions) > 0 {
		var conds any
		if err := json.Unmarshal(row.Conditions, &conds); err == nil {
			v.Conditions = conds
		}
	}
	if len(row.TradeAction) > 0 {
		var action any
		if err := json.Unmarshal(row.TradeAction, &action); err == nil {
			v.TradeAction = action
		}
	}
	if withStates {
		states, err := r.store.ListConditionStates(ctx, row.ID)
		if err == nil {
			for _, st := range states {
				v.ConditionStates = append(v.ConditionStates, conditionStateView{
					ConditionID:     st.ConditionID,
					State:           st.State,
					ObservedValue:   st.ObservedValue,
					LastEvaluatedAt: fmtMs(st.LastEvaluatedAt),
				})
			}
		}
	}
	return v
}
