package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/medviz/biostream/internal/models"
)

type handler struct {
	deps Dependencies
}

// ConnectRequest asks the controller to open connections for a patient's
// streams. An empty StreamIDs connects every stream the patient has.
type ConnectRequest struct {
	PatientID string   `json:"patientId" binding:"required"`
	StreamIDs []string `json:"streamIds"`
}

// DisconnectRequest closes stream connections. An empty StreamIDs closes
// every connection.
type DisconnectRequest struct {
	StreamIDs []string `json:"streamIds"`
}

// StreamStatus pairs a stream descriptor with its connection state.
type StreamStatus struct {
	Stream models.BiometricStream `json:"stream"`
	State  string                 `json:"state"`
}

func (h *handler) getPatientStreams(c *gin.Context) {
	patientID := c.Param("patientId")

	var ids []string
	if raw := c.Query("ids"); raw != "" {
		ids = splitCSV(raw)
	}

	streams, err := h.deps.Resolver.Resolve(c.Request.Context(), patientID, ids...)
	if err != nil {
		h.deps.Logger.WithError(err).WithField("patient_id", patientID).Error("Stream metadata lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "stream metadata lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (h *handler) listStreams(c *gin.Context) {
	known := h.deps.Controller.KnownStreams()
	statuses := make([]StreamStatus, 0, len(known))
	for id, stream := range known {
		statuses = append(statuses, StreamStatus{
			Stream: stream,
			State:  h.deps.Controller.ConnectionState(id).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": statuses, "connected": h.deps.Controller.IsConnected()})
}

func (h *handler) connectStreams(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patientId is required"})
		return
	}

	resolved, err := h.deps.Controller.ConnectStreams(c.Request.Context(), req.PatientID, req.StreamIDs...)
	if err != nil {
		h.deps.Logger.WithError(err).WithField("patient_id", req.PatientID).Error("Stream connection failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": resolved})
}

func (h *handler) disconnectStreams(c *gin.Context) {
	var req DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.deps.Controller.DisconnectStreams(req.StreamIDs...)
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}

func (h *handler) getStreamData(c *gin.Context) {
	streamID := c.Param("streamId")
	data := h.deps.Controller.GetStreamData(streamID)

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(data) {
			// keep the most recent points
			data = data[len(data)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"streamId": streamID, "points": data})
}

func (h *handler) getLatestPoint(c *gin.Context) {
	streamID := c.Param("streamId")
	point, ok := h.deps.Controller.LatestPoint(c.Request.Context(), streamID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for stream"})
		return
	}
	c.JSON(http.StatusOK, point)
}

func (h *handler) clearStreamData(c *gin.Context) {
	streamID := c.Param("streamId")
	h.deps.Controller.ClearBuffers(streamID)
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *handler) getStreamStats(c *gin.Context) {
	streamID := c.Param("streamId")
	stats, err := h.deps.Controller.StreamStats(streamID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) getAlerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, gin.H{"alerts": h.deps.Controller.LatestAlerts(limit)})
}

func (h *handler) acknowledgeAlert(c *gin.Context) {
	alertID := c.Param("id")
	if !h.deps.Controller.AcknowledgeAlert(alertID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (h *handler) getCorrelation(c *gin.Context) {
	var matrix *models.CorrelationMatrix
	if c.Query("recompute") == "true" {
		matrix = h.deps.Controller.CorrelateNow()
	} else {
		var ok bool
		matrix, ok = h.deps.Controller.LatestCorrelation()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no correlation matrix computed yet"})
			return
		}
	}
	c.JSON(http.StatusOK, matrix)
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
