package http

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"treescan-service/internal/domain/scan"
	"treescan-service/internal/imagery"
	"treescan-service/internal/report"
	"treescan-service/internal/service"
)

const (
	ledgerFilename = "treeInventory.csv"
	xlsxFilename   = "treeInventory.xlsx"
	xlsxMIME       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	scanService    *service.ScanService
	captureService *service.CaptureService
	log            zerolog.Logger
}

func NewHandler(
	scanService *service.ScanService,
	captureService *service.CaptureService,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		scanService:    scanService,
		captureService: captureService,
		log:            log,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	// Paths used by the map front-end.
	r.POST("/streetview/scan/", h.scan)
	r.POST("/streetview/save/", h.save)

	api := r.Group("/api/v1")
	{
		api.POST("/streetview/scan", h.scan)
		api.POST("/streetview/save", h.save)
		api.GET("/inventory", h.listInventory)
		api.GET("/inventory/export", h.exportCSV)
		api.GET("/inventory/export.xlsx", h.exportXLSX)
	}
}

func (h *Handler) scan(c *gin.Context) {
	var req scan.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid JSON payload"))
		return
	}

	withHistory := c.Query("history") != "false"

	result, err := h.scanService.Scan(c.Request.Context(), req, withHistory)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := gin.H{
		"message":     "Scan successful",
		"scan_id":     result.ScanID,
		"url":         result.URL,
		"outputs":     result.Outputs,
		"detections":  result.Detections,
		"tree_counts": result.TreeCounts,
		"total_trees": result.TotalTrees,
	}
	if withHistory {
		resp["recent_logs"] = recentLogs(result.RecentLogs)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) save(c *gin.Context) {
	var req scan.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid JSON payload"))
		return
	}

	result, err := h.captureService.Save(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := gin.H{
		"message":  "Saved",
		"label":    result.Label,
		"filename": result.Filename,
	}
	if result.ObjectURL != "" {
		resp["object_url"] = result.ObjectURL
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listInventory(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.scanService.History()))
}

func (h *Handler) exportCSV(c *gin.Context) {
	f, err := h.scanService.OpenLedger()
	if err != nil {
		h.handleError(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.DataFromReader(http.StatusOK, info.Size(), "text/csv; charset=utf-8", f, map[string]string{
		"Content-Disposition": `attachment; filename="` + ledgerFilename + `"`,
	})
}

func (h *Handler) exportXLSX(c *gin.Context) {
	f, err := h.scanService.OpenLedger()
	if err != nil {
		h.handleError(c, err)
		return
	}
	f.Close()

	var buf bytes.Buffer
	if err := report.WriteInventoryXLSX(&buf, h.scanService.History()); err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+xlsxFilename+`"`)
	c.Data(http.StatusOK, xlsxMIME, buf.Bytes())
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var providerErr *imagery.ProviderError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.As(err, &providerErr) && providerErr.Unreachable:
		h.log.Warn().Err(err).Msg("street view unreachable")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Street View could not be reached. Try again later.",
			"url":   providerErr.URL,
		})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Street View did not return an image. Check that the Street View Static API is enabled and the key has quota.",
			"detail": providerErr.Error(),
			"url":    providerErr.URL,
		})
	case errors.Is(err, service.ErrDetection):
		c.JSON(http.StatusBadGateway, errorResponse("tree detection failed"))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func recentLogs(records []scan.InventoryRecord) []scan.InventoryRecord {
	if records == nil {
		return []scan.InventoryRecord{}
	}
	return records
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
