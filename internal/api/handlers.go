package api

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"metaextract/internal/archive"
	"metaextract/internal/batch"
	"metaextract/internal/extraction"
	"metaextract/internal/workflow"
)

type selectionRequest struct {
	Files []extraction.FileRef `json:"files"`
}

type templateRequest struct {
	Name string `json:"name"`
}

type stateResponse struct {
	batch.State
	Progress   float64 `json:"progress"`
	StatusText string  `json:"status_text"`
}

type API struct {
	manager *workflow.Manager
}

func NewAPI(manager *workflow.Manager) *API {
	return &API{manager: manager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.PUT("/selection", a.SetSelection)
		api.GET("/selection", a.GetSelection)
		api.PUT("/config", a.SetConfig)
		api.GET("/config", a.GetConfig)
		api.PUT("/categorization", a.SetCategorization)
		api.PUT("/document-type-templates", a.SetDocumentTypeTemplates)
		api.GET("/document-type-templates", a.GetDocumentTypeTemplates)
		api.PUT("/feedback/:file_id/:method", a.SetFeedback)
		api.GET("/feedback/:file_id/:method", a.GetFeedback)
		api.GET("/templates", a.ListTemplates)
		api.POST("/templates", a.SaveTemplate)
		api.POST("/templates/:name/load", a.LoadTemplate)
		api.POST("/runs", a.StartRun)
		api.POST("/runs/cancel", a.CancelRun)
		api.GET("/runs/state", a.GetState)
		api.GET("/runs/summary", a.GetSummary)
		api.GET("/results", a.GetResults)
		api.GET("/results/archive", a.DownloadArchive)
		api.GET("/results/:file_id", a.GetResult)
	}
}

// SetSelection replaces the files selected for processing
func (a *API) SetSelection(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid selection request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SetSelection(c.Request.Context(), req.Files); err != nil {
		respondError(c, err, "failed to set selection")
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": a.manager.Selection()})
}

func (a *API) GetSelection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": a.manager.Selection()})
}

// SetConfig replaces the extraction configuration
func (a *API) SetConfig(c *gin.Context) {
	var cfg extraction.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		log.Warn().Err(err).Msg("invalid config request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SetMetadataConfig(c.Request.Context(), cfg); err != nil {
		respondError(c, err, "failed to set config")
		return
	}
	c.JSON(http.StatusOK, a.manager.MetadataConfig())
}

func (a *API) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.manager.MetadataConfig())
}

// SetCategorization stores fileID -> document type results
func (a *API) SetCategorization(c *gin.Context) {
	var mapping map[string]string
	if err := c.ShouldBindJSON(&mapping); err != nil {
		log.Warn().Err(err).Msg("invalid categorization request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SetCategorization(c.Request.Context(), mapping); err != nil {
		respondError(c, err, "failed to set categorization")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDocumentTypeTemplates stores document type -> template id mapping
func (a *API) SetDocumentTypeTemplates(c *gin.Context) {
	var mapping map[string]string
	if err := c.ShouldBindJSON(&mapping); err != nil {
		log.Warn().Err(err).Msg("invalid document type templates request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SetDocumentTypeTemplates(c.Request.Context(), mapping); err != nil {
		respondError(c, err, "failed to set document type templates")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) GetDocumentTypeTemplates(c *gin.Context) {
	mapping, err := a.manager.DocumentTypeTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load document type templates")
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// SetFeedback stores corrected field values for a file and extraction method
func (a *API) SetFeedback(c *gin.Context) {
	fileID := c.Param("file_id")
	method, ok := methodParam(c)
	if !ok {
		return
	}
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		log.Warn().Str("file_id", fileID).Err(err).Msg("invalid feedback request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SetFeedback(c.Request.Context(), fileID, method, fields); err != nil {
		respondError(c, err, "failed to save feedback")
		return
	}
	log.Info().Str("file_id", fileID).Str("method", string(method)).Int("fields", len(fields)).Msg("feedback saved")
	c.Status(http.StatusNoContent)
}

func (a *API) GetFeedback(c *gin.Context) {
	fileID := c.Param("file_id")
	method, ok := methodParam(c)
	if !ok {
		return
	}
	fields, found, err := a.manager.Feedback(c.Request.Context(), fileID, method)
	if err != nil {
		respondError(c, err, "failed to load feedback")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback not found"})
		return
	}
	c.JSON(http.StatusOK, fields)
}

func (a *API) ListTemplates(c *gin.Context) {
	names, err := a.manager.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to list templates")
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": names})
}

// SaveTemplate saves the current configuration under the given name
func (a *API) SaveTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid template request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.manager.SaveTemplate(c.Request.Context(), req.Name); err != nil {
		respondError(c, err, "failed to save template")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (a *API) LoadTemplate(c *gin.Context) {
	cfg, err := a.manager.LoadTemplate(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err, "failed to load template")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// StartRun launches background processing of the selected files
func (a *API) StartRun(c *gin.Context) {
	var settings workflow.RunSettings
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&settings); err != nil {
			log.Warn().Err(err).Msg("invalid run request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	state, err := a.manager.StartRun(c.Request.Context(), settings)
	if err != nil {
		respondError(c, err, "failed to start run")
		return
	}
	c.JSON(http.StatusAccepted, toStateResponse(state))
}

func (a *API) CancelRun(c *gin.Context) {
	state, err := a.manager.RequestCancel()
	if err != nil {
		respondError(c, err, "failed to cancel run")
		return
	}
	c.JSON(http.StatusOK, toStateResponse(state))
}

// GetState returns the progress of the current or last run
func (a *API) GetState(c *gin.Context) {
	state, err := a.manager.State()
	if err != nil {
		respondError(c, err, "failed to read state")
		return
	}
	c.JSON(http.StatusOK, toStateResponse(state))
}

func (a *API) GetSummary(c *gin.Context) {
	summary, err := a.manager.Summary()
	if err != nil {
		respondError(c, err, "failed to build summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) GetResults(c *gin.Context) {
	results, err := a.manager.Results(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load results")
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) GetResult(c *gin.Context) {
	result, err := a.manager.Result(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		respondError(c, err, "failed to load result")
		return
	}
	c.JSON(http.StatusOK, result)
}

// DownloadArchive serves the stored results as a zip of JSON documents
func (a *API) DownloadArchive(c *gin.Context) {
	results, err := a.manager.Results(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load results")
		return
	}
	if len(results) == 0 {
		log.Warn().Msg("no results to archive")
		c.JSON(http.StatusNotFound, gin.H{"error": "no results available"})
		return
	}
	files := a.manager.RunFiles()
	if len(files) == 0 {
		files = a.manager.Selection()
	}
	var buf bytes.Buffer
	entries, err := archive.WriteResults(&buf, files, results)
	if err != nil {
		log.Error().Err(err).Msg("build results archive failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive failed"})
		return
	}
	name := "metadata-results-" + time.Now().UTC().Format("20060102-150405") + ".zip"
	log.Info().Int("entries", len(entries)).Str("filename", name).Msg("serving results archive")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func methodParam(c *gin.Context) (extraction.Method, bool) {
	method := extraction.Method(c.Param("method"))
	if method != extraction.MethodStructured && method != extraction.MethodFreeform {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown extraction method"})
		return "", false
	}
	return method, true
}

func toStateResponse(s batch.State) stateResponse {
	return stateResponse{State: s, Progress: s.Progress(), StatusText: s.StatusText()}
}

// respondError maps workflow errors onto HTTP status codes
func respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrNoFiles),
		errors.Is(err, workflow.ErrIncompleteConfig),
		errors.Is(err, workflow.ErrInvalidSelection),
		errors.Is(err, workflow.ErrInvalidSettings),
		errors.Is(err, workflow.ErrEmptyTemplateName):
		status = http.StatusBadRequest
	case errors.Is(err, workflow.ErrNoRun),
		errors.Is(err, workflow.ErrTemplateNotFound),
		errors.Is(err, workflow.ErrResultNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrAlreadyProcessing),
		errors.Is(err, workflow.ErrNotProcessing):
		status = http.StatusConflict
	}
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Int("status", status).Msg(msg)
	c.JSON(status, gin.H{"error": err.Error()})
}
