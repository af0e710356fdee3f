package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"failover-proxy-go/internal/config"
	"failover-proxy-go/internal/model"
	"failover-proxy-go/internal/service"
)

// Client-facing error messages.
const (
	msgMisconfigured = "Error: SERVICE_1 and SERVICE_2 must be set."
	msgInvalidBody   = "Invalid request body"
	msgBothFailed    = "Service Unavailable: Both upstreams failed."
)

// errorBody is the JSON shape of every locally generated error.
type errorBody struct {
	Error   string         `json:"error"`
	Details *failedDetails `json:"details,omitempty"`
}

type failedDetails struct {
	Primary string `json:"primary"`
	Backup  string `json:"backup"`
}

// ProxyHandler forwards every request to one of the two upstreams.
type ProxyHandler struct {
	service      *service.FailoverService
	bodyMaxBytes int64
	logger       *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.FailoverService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		bodyMaxBytes: cfg.Server.BodyMaxBytes,
		logger:       logger.With("component", "proxy_handler"),
	}
}

// Handle reads the request body, dispatches the request with failover and
// streams the chosen upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Configuration is checked before the body is touched.
	if err := h.service.CheckConfigured(); err != nil {
		return h.mapError(c, err)
	}

	var body []byte
	if carriesBody(req.Method) {
		var err error
		body, err = service.ReadBody(req.Body, h.bodyMaxBytes)
		if err != nil {
			return h.mapError(c, err)
		}
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Dispatch(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := relayResponse(c, resp, req.Method, h.logger); err != nil {
		// Status and headers are already sent; the client receives a
		// truncated body with the original status.
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// carriesBody reports whether the inbound body is read for this method.
func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrMisconfigured) {
		h.logger.Error("upstreams not configured", "path", path)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: msgMisconfigured})
	}

	var readErr *service.BodyReadError
	if errors.Is(err, service.ErrPayloadTooLarge) || errors.As(err, &readErr) {
		h.logger.Warn("failed to read request body", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, errorBody{Error: msgInvalidBody})
	}

	var both *service.BothFailedError
	if errors.As(err, &both) {
		return c.JSON(http.StatusServiceUnavailable, errorBody{
			Error: msgBothFailed,
			Details: &failedDetails{
				Primary: both.Primary.Describe(),
				Backup:  both.Backup.Describe(),
			},
		})
	}

	h.logger.Error("proxy internal error", "err", err, "path", path)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}
