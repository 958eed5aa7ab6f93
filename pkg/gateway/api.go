// Package gateway wires the HTTP surface: auth endpoints backed by the
// session manager, guarded routes, the forwarding proxies and the chat
// relay.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/docport/gateway/pkg/forward"
	"github.com/docport/gateway/pkg/nonce"
	"github.com/docport/gateway/pkg/session"
)

type API struct {
	sessions *session.Manager
	backend  *forward.Forwarder
	ingest   *forward.Forwarder
	nonces   nonce.Service
	chat     *ChatRelay

	loginPath   string
	landingPath string

	validate *validator.Validate
}

type Options struct {
	Sessions    *session.Manager
	Backend     *forward.Forwarder
	Ingest      *forward.Forwarder
	Nonces      nonce.Service
	Chat        *ChatRelay
	LoginPath   string
	LandingPath string
}

func New(opts Options) *API {
	return &API{
		sessions:    opts.Sessions,
		backend:     opts.Backend,
		ingest:      opts.Ingest,
		nonces:      opts.Nonces,
		chat:        opts.Chat,
		loginPath:   opts.LoginPath,
		landingPath: opts.LandingPath,
		validate:    validator.New(),
	}
}

func (api *API) MountRoutes(e *echo.Echo) {
	e.POST("/auth/login", api.login)
	e.POST("/auth/register", api.register)
	e.POST("/auth/logout", api.logout)
	e.POST("/auth/refresh", api.refresh)
	e.GET("/auth/validate", api.validateToken)
	e.GET("/auth/session", api.sessionStatus)

	backendGroup := e.Group("/api/backend", api.Guard(true))
	backendGroup.Any("/*", api.backend.Handler())

	ingestGroup := e.Group("/api/ingest", api.Guard(true))
	ingestGroup.HEAD("/nonce", api.newNonce)
	ingestGroup.Any("/*", api.ingest.Handler(), api.redeemNonce)

	if api.chat != nil {
		e.GET("/ws/chat", api.chat.Handler(), api.Guard(true))
	}
}

// sessionDTO is what the browser gets back after login/register/refresh.
// Tokens stay inside the gateway; the browser only learns who it is and for
// how long.
type sessionDTO struct {
	User   *session.User  `json:"user"`
	Status session.Status `json:"status"`
}

func (api *API) login(c echo.Context) error {
	var creds session.Credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := api.validate.Struct(creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := api.sessions.Login(c.Request().Context(), creds); err != nil {
		return c.JSON(authFailureStatus(err), map[string]string{
			"error": session.FormatError(err),
		})
	}

	return c.JSON(http.StatusOK, sessionDTO{
		User:   api.sessions.CurrentUser(),
		Status: api.sessions.Status(),
	})
}

func (api *API) register(c echo.Context) error {
	var reg session.Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := api.validate.Struct(reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := api.sessions.Register(c.Request().Context(), reg); err != nil {
		return c.JSON(authFailureStatus(err), map[string]string{
			"error": session.FormatError(err),
		})
	}

	return c.JSON(http.StatusCreated, sessionDTO{
		User:   api.sessions.CurrentUser(),
		Status: api.sessions.Status(),
	})
}

func (api *API) logout(c echo.Context) error {
	api.sessions.Logout(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (api *API) refresh(c echo.Context) error {
	if err := api.sessions.RefreshTokens(c.Request().Context()); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": session.FormatError(err),
		})
	}
	return c.JSON(http.StatusOK, sessionDTO{
		User:   api.sessions.CurrentUser(),
		Status: api.sessions.Status(),
	})
}

func (api *API) validateToken(c echo.Context) error {
	result, err := api.sessions.ValidateToken(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": session.FormatError(err),
		})
	}
	return c.JSON(http.StatusOK, result)
}

func (api *API) sessionStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionDTO{
		User:   api.sessions.CurrentUser(),
		Status: api.sessions.Status(),
	})
}

func (api *API) newNonce(c echo.Context) error {
	nonceStr, err := api.nonces.Get()
	if err != nil {
		slog.Error("Unable to get nonce", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to get nonce")
	}
	c.Response().Header().Set("Replay-Nonce", nonceStr)
	c.Response().WriteHeader(http.StatusCreated)
	return nil
}

// redeemNonce rejects replayed ingestion callbacks. Requests carrying a
// Replay-Nonce header must redeem it; a nonce seen twice fails.
func (api *API) redeemNonce(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		nonceStr := c.Request().Header.Get("Replay-Nonce")
		if nonceStr != "" {
			if err := api.nonces.Redeem(nonceStr); err != nil {
				slog.Warn("Replay nonce rejected", "error", err)
				return echo.NewHTTPError(http.StatusBadRequest, "invalid or replayed nonce")
			}
			c.Request().Header.Del("Replay-Nonce")
		}
		return next(c)
	}
}

// authFailureStatus maps a backend error to the status the browser sees.
// Backend-reported statuses pass through; transport failures become 502.
func authFailureStatus(err error) int {
	var apiErr *session.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}
