package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/domain/inbound"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/pkg/pagination"
)

// ListenerControl is the lifecycle surface of the MLLP listener.
type ListenerControl interface {
	Start() bool
	Stop() bool
	Status() bool
	Addr() string
}

// MessageBrowser reads stored messages and images.
type MessageBrowser interface {
	Get(ctx context.Context, id int64) (*inbound.Message, error)
	List(ctx context.Context, state string, limit, offset int) ([]*inbound.Message, int, error)
	Images(ctx context.Context, messageID int64) ([]*inbound.Image, error)
	Image(ctx context.Context, messageID, imageID int64) (*inbound.Image, error)
	RegenerateImages(ctx context.Context) (inbound.RegenerateReport, error)
}

// Replayer processes a stored message again.
type Replayer interface {
	Replay(ctx context.Context, id int64) (events.Outcome, error)
}

type Handler struct {
	listener ListenerControl
	messages MessageBrowser
	replayer Replayer
}

func NewHandler(listener ListenerControl, messages MessageBrowser, replayer Replayer) *Handler {
	return &Handler{listener: listener, messages: messages, replayer: replayer}
}

// RegisterRoutes mounts the HL7 monitor and listener control endpoints.
//
//	GET  /hl7/listener
//	POST /hl7/listener/start
//	POST /hl7/listener/stop
//	GET  /hl7/messages
//	GET  /hl7/messages/:id
//	GET  /hl7/messages/:id/images/:imageId
//	POST /hl7/messages/:id/replay
//	POST /hl7/images/regenerate
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator))
	read.GET("/hl7/listener", h.ListenerStatus)
	read.GET("/hl7/messages", h.ListMessages)
	read.GET("/hl7/messages/:id", h.GetMessage)
	read.GET("/hl7/messages/:id/images/:imageId", h.GetImage)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/hl7/listener/start", h.StartListener)
	write.POST("/hl7/listener/stop", h.StopListener)
	write.POST("/hl7/messages/:id/replay", h.ReplayMessage)
	write.POST("/hl7/images/regenerate", h.RegenerateImages)
}

type listenerResponse struct {
	Running bool   `json:"running"`
	Addr    string `json:"addr,omitempty"`
	Changed *bool  `json:"changed,omitempty"`
}

func (h *Handler) listenerState(changed *bool) listenerResponse {
	return listenerResponse{Running: h.listener.Status(), Addr: h.listener.Addr(), Changed: changed}
}

// -- Listener --

func (h *Handler) ListenerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.listenerState(nil))
}

func (h *Handler) StartListener(c echo.Context) error {
	changed := h.listener.Start()
	return c.JSON(http.StatusOK, h.listenerState(&changed))
}

func (h *Handler) StopListener(c echo.Context) error {
	changed := h.listener.Stop()
	return c.JSON(http.StatusOK, h.listenerState(&changed))
}

// -- Messages --

func (h *Handler) ListMessages(c echo.Context) error {
	pg := pagination.FromContext(c)
	state := c.QueryParam("state")

	items, total, err := h.messages.List(c.Request().Context(), state, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	extra := ""
	if state != "" {
		extra = "state=" + url.QueryEscape(state)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, extra))
}

type messageDetail struct {
	*inbound.Message
	Kind         hl7v2.Kind              `json:"kind"`
	Observations []hl7v2.ObservationItem `json:"observations"`
	Images       []*inbound.Image        `json:"images"`
}

func (h *Handler) GetMessage(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	m, err := h.messages.Get(ctx, id)
	if errors.Is(err, inbound.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	images, err := h.messages.Images(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if images == nil {
		images = []*inbound.Image{}
	}

	p := hl7v2.ParseInbound([]byte(m.Raw))
	items := p.Items
	if items == nil {
		items = []hl7v2.ObservationItem{}
	}
	return c.JSON(http.StatusOK, messageDetail{
		Message:      m,
		Kind:         hl7v2.Classify(p),
		Observations: items,
		Images:       images,
	})
}

func (h *Handler) GetImage(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	imageID, err := parseID(c.Param("imageId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid image id")
	}

	img, err := h.messages.Image(c.Request().Context(), id, imageID)
	if errors.Is(err, inbound.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", img.Name))
	return c.Blob(http.StatusOK, "image/png", img.Data)
}

func (h *Handler) ReplayMessage(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	out, err := h.replayer.Replay(c.Request().Context(), id)
	if errors.Is(err, inbound.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RegenerateImages(c echo.Context) error {
	rep, err := h.messages.RegenerateImages(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
