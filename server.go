package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/middlewares"
	"bitbucket.org/batifocus/qc_backend/models"
	"bitbucket.org/batifocus/qc_backend/reports"
	"bitbucket.org/batifocus/qc_backend/utils"
	"bitbucket.org/batifocus/qc_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultPort = "8080"

var tracer = otel.Tracer("qc-backend")

// tracingMiddleware opens one span per request; otelgorm hangs the SQL spans
// underneath it through the request context.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		spanName := c.Request.Method + " " + c.FullPath()
		if c.FullPath() == "" {
			spanName = c.Request.Method + " unmatched"
		}
		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "RateLimit:" + c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count > rl.limit {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	c.Next()
}

// respondError maps the domain error kinds onto HTTP statuses. Handlers never
// branch on error types themselves.
func respondError(c *gin.Context, err error) {
	var validationErr *utils.ValidationError
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, utils.ErrorAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, utils.ErrorConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version conflict, reload and retry"})
	case errors.Is(err, utils.ErrorInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "resource is in use"})
	case errors.Is(err, utils.ErrorPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is still in progress"})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": validationErr.Fields})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func templateIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("templateId"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid template id"})
		return 0, false
	}
	return id, true
}

func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.Request.Header.Get("Idempotency-Key"))
}

// resolveSubCategoryId turns the route segment into the stored key. Clients
// address domain-global points with the literal "_global" segment.
func resolveSubCategoryId(c *gin.Context) string {
	subCategoryId := c.Param("subCategoryId")
	if subCategoryId == "" {
		return models.GlobalSubCategoryKey
	}
	return subCategoryId
}

func createTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTemplate
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		template, err := models.CreateTemplate(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, template)
	}
}

func listTemplatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templates, err := models.GetTemplates(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, templates)
	}
}

func getTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		template, err := models.GetTemplate(c.Request.Context(), templateId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, template)
	}
}

func updateTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var patch models.TemplatePatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		template, err := models.UpdateTemplate(c.Request.Context(), templateId, &patch)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, template)
	}
}

func deleteTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		template, err := models.DeleteTemplate(c.Request.Context(), templateId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, template)
	}
}

func getOrCreateInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		instance, err := models.GetOrCreateInstance(c.Request.Context(), c.Param("siteId"), templateId)
		if err != nil {
			respondError(c, err)
			return
		}
		verdicts, err := models.GetVerdictsByInstance(c.Request.Context(), instance.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"instance": instance, "verdicts": verdicts})
	}
}

func listSiteInstancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instances, err := models.GetInstancesBySite(c.Request.Context(), c.Param("siteId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, instances)
	}
}

func deleteSiteInstancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := models.DeleteSiteInstances(c.Request.Context(), c.Param("siteId")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type saveInstanceRequest struct {
	Verdicts        models.VerdictPayload    `json:"verdicts"`
	AdHocPoints     models.AdHocPointPayload `json:"ad_hoc_points"`
	ExpectedVersion int                      `json:"expected_version" binding:"required"`
}

func saveInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var req saveInstanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		var instance *models.ControlInstance
		skipped, err := workflow.RunIdempotent(c.Request.Context(), "saveInstance", idempotencyKey(c), func(ctx context.Context) error {
			var err error
			instance, err = models.SaveInstance(ctx, c.Param("siteId"), templateId, req.Verdicts, req.AdHocPoints, req.ExpectedVersion)
			return err
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"deduplicated": true})
			return
		}
		c.JSON(http.StatusOK, instance)
	}
}

func getEffectiveStructureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		structure, err := models.GetEffectiveStructure(c.Request.Context(), c.Param("siteId"), templateId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, structure)
	}
}

func recordVerdictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var input models.VerdictInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		var verdict *models.Verdict
		skipped, err := workflow.RunIdempotent(c.Request.Context(), "recordVerdict", idempotencyKey(c), func(ctx context.Context) error {
			var err error
			verdict, err = workflow.RecordVerdict(ctx, c.Param("siteId"), templateId,
				c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), input)
			return err
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"deduplicated": true})
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

func listVerdictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		instance, err := models.GetInstance(c.Request.Context(), c.Param("siteId"), templateId)
		if err != nil {
			respondError(c, err)
			return
		}
		verdicts, err := models.GetVerdictsByInstance(c.Request.Context(), instance.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdicts)
	}
}

func addAdHocPointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var input models.NewAdHocPoint
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		var point *models.AdHocPoint
		skipped, err := workflow.RunIdempotent(c.Request.Context(), "addAdHocPoint", idempotencyKey(c), func(ctx context.Context) error {
			var err error
			point, err = models.AddAdHocPoint(ctx, c.Param("siteId"), templateId,
				c.Param("domainId"), resolveSubCategoryId(c), &input)
			return err
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"deduplicated": true})
			return
		}
		c.JSON(http.StatusCreated, point)
	}
}

func updateAdHocPointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var patch models.AdHocPointPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		point, err := models.UpdateAdHocPoint(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), &patch)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, point)
	}
}

func deleteAdHocPointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		point, err := models.DeleteAdHocPoint(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, point)
	}
}

func addAdHocCategoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var input models.NewAdHocCategory
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		category, err := models.AddAdHocCategory(c.Request.Context(), c.Param("siteId"), templateId, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, category)
	}
}

func addAdHocSubCategoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var input models.NewAdHocSubCategory
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		input.DomainId = c.Param("domainId")
		subCategory, err := models.AddAdHocSubCategory(c.Request.Context(), c.Param("siteId"), templateId, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, subCategory)
	}
}

// hide/unhide share one handler shape: resolve the path depth from the
// present params, flip via op.
func visibilityHandler(hide bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		siteId := c.Param("siteId")
		domainId := c.Param("domainId")
		subCategoryId := c.Param("subCategoryId")
		pointId := c.Param("pointId")

		var err error
		switch {
		case pointId != "":
			if hide {
				err = models.HidePoint(ctx, siteId, templateId, domainId, subCategoryId, pointId)
			} else {
				err = models.UnhidePoint(ctx, siteId, templateId, domainId, subCategoryId, pointId)
			}
		case subCategoryId != "":
			if hide {
				err = models.HideSubCategory(ctx, siteId, templateId, domainId, subCategoryId)
			} else {
				err = models.UnhideSubCategory(ctx, siteId, templateId, domainId, subCategoryId)
			}
		default:
			if hide {
				err = models.HideCategory(ctx, siteId, templateId, domainId)
			} else {
				err = models.UnhideCategory(ctx, siteId, templateId, domainId)
			}
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type openNonConformityRequest struct {
	Explanation        string `json:"explanation" binding:"required"`
	ResponsiblePartyId string `json:"responsible_party_id"`
}

func openNonConformityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var req openNonConformityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		verdict, err := workflow.OpenNonConformity(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), req.Explanation, req.ResponsiblePartyId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

type scheduleRepairRequest struct {
	PlannedDate time.Time `json:"planned_date" binding:"required"`
}

func scheduleRepairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var req scheduleRepairRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		verdict, err := workflow.ScheduleRepair(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), req.PlannedDate)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

func reportRepairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var req workflow.ReportRepairDoneInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		verdict, err := workflow.ReportRepairDone(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

func validateRepairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		verdict, err := workflow.ValidateRepair(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

func overrideVerdictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templateId, ok := templateIdParam(c)
		if !ok {
			return
		}
		var input models.VerdictInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		verdict, err := workflow.OverrideVerdict(c.Request.Context(), c.Param("siteId"), templateId,
			c.Param("domainId"), resolveSubCategoryId(c), c.Param("pointId"), input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verdict)
	}
}

func listNonConformitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := workflow.ListOpenNonConformities(c.Request.Context(), c.Param("siteId"), c.Query("responsible_party_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func exportNonConformitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=non_conformities_"+c.Param("siteId")+".xlsx")
		err := reports.ExportOpenNonConformities(c.Request.Context(), c.Writer, c.Param("siteId"), c.Query("responsible_party_id"))
		if err != nil {
			respondError(c, err)
			return
		}
	}
}

type outboxReplayRequest struct {
	RecordIds []int `json:"record_ids"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		replayed, err := workflow.ReplayOutboxMessages(c.Request.Context(), db, req.RecordIds)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api/qc", middlewares.RequireSession())

	api.POST("/templates", createTemplateHandler())
	api.GET("/templates", listTemplatesHandler())
	api.GET("/templates/:templateId", getTemplateHandler())
	api.PUT("/templates/:templateId", updateTemplateHandler())
	api.DELETE("/templates/:templateId", deleteTemplateHandler())

	api.GET("/sites/:siteId/instances", listSiteInstancesHandler())
	api.DELETE("/sites/:siteId/instances", deleteSiteInstancesHandler())
	api.GET("/sites/:siteId/non-conformities", listNonConformitiesHandler())
	api.GET("/sites/:siteId/non-conformities/export", exportNonConformitiesHandler())

	instance := api.Group("/sites/:siteId/templates/:templateId")
	instance.GET("/instance", getOrCreateInstanceHandler())
	instance.PUT("/instance", saveInstanceHandler())
	instance.GET("/structure", getEffectiveStructureHandler())
	instance.GET("/verdicts", listVerdictsHandler())

	instance.POST("/ad-hoc-categories", addAdHocCategoryHandler())

	domain := instance.Group("/domains/:domainId")
	domain.POST("/sub-categories", addAdHocSubCategoryHandler())
	domain.POST("/hide", visibilityHandler(true))
	domain.POST("/unhide", visibilityHandler(false))

	subCategory := domain.Group("/sub-categories/:subCategoryId")
	subCategory.POST("/hide", visibilityHandler(true))
	subCategory.POST("/unhide", visibilityHandler(false))
	subCategory.POST("/points", addAdHocPointHandler())

	point := subCategory.Group("/points/:pointId")
	point.POST("/hide", visibilityHandler(true))
	point.POST("/unhide", visibilityHandler(false))
	point.PUT("/verdict", recordVerdictHandler())
	point.PUT("/ad-hoc", updateAdHocPointHandler())
	point.DELETE("/ad-hoc", deleteAdHocPointHandler())
	point.POST("/non-conformity", openNonConformityHandler())
	point.POST("/schedule-repair", scheduleRepairHandler())
	point.POST("/report-repair", reportRepairHandler())
	point.POST("/validate-repair", validateRepairHandler())
	point.PUT("/override", overrideVerdictHandler())

	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay",
		middlewares.RequireSession(), middlewares.RequireAdmin(), outboxReplayHandler())
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(tracingMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS: explicit allowlist via CORS_ALLOWED_ORIGINS in
	// production, allow all in development.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.OutboxDispatcherEnabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/api/qc")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
