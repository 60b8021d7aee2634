package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
)

// Handler provides HTTP endpoints for inspecting HL7v2 payloads.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
// Operator role required.
//
//	POST /api/v1/hl7/parse - Parse an HL7v2 message the way the listener does
func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireRole(auth.RoleOperator))
	read.POST("/hl7/parse", h.ParseMessage)
}

// parseResponse is the JSON representation of a parsed payload.
type parseResponse struct {
	Kind      Kind          `json:"kind"`
	Loadable  int           `json:"loadable"`
	Graphic   int           `json:"graphic"`
	Extracted *ParseOutcome `json:"extracted"`
}

// ParseMessage handles POST /api/v1/hl7/parse.
// It reads a raw HL7v2 message from the request body, with or without MLLP
// framing, and returns what the engine would extract from it.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	if payload, _, found := UnframeMessage(body); found {
		body = payload
	}

	out := ParseInbound(body)
	loadable, graphic := out.Loadable()

	return c.JSON(http.StatusOK, parseResponse{
		Kind:      Classify(out),
		Loadable:  len(loadable),
		Graphic:   graphic,
		Extracted: out,
	})
}
