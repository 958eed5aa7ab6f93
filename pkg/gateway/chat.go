package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/docport/gateway/pkg/session"
)

// chatPath is the document-chat websocket endpoint on the AI backend.
const chatPath = "/api/v1/chat/ws"

// ChatRelay bridges the browser's chat websocket to the AI backend. The
// gateway injects the bearer token upstream; the browser never sees it.
// Frames are relayed as-is, chat semantics stay in the AI backend.
type ChatRelay struct {
	upstream *url.URL
	sessions *session.Manager
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func NewChatRelay(aiBaseURL string, sessions *session.Manager) (*ChatRelay, error) {
	upstream, err := url.Parse(aiBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ai base url: %w", err)
	}
	switch upstream.Scheme {
	case "http":
		upstream.Scheme = "ws"
	case "https":
		upstream.Scheme = "wss"
	}
	upstream.Path = strings.TrimRight(upstream.Path, "/") + chatPath

	return &ChatRelay{
		upstream: upstream,
		sessions: sessions,
		upgrader: websocket.Upgrader{},
		dialer:   websocket.DefaultDialer,
	}, nil
}

func (r *ChatRelay) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		browser, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer browser.Close()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+r.sessions.AccessToken())

		target := *r.upstream
		target.RawQuery = c.Request().URL.RawQuery

		upstream, resp, err := r.dialer.Dial(target.String(), header)
		if err != nil {
			slog.Error("Failed to dial AI backend", "error", err)
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				r.sessions.NotifyUnauthorized()
			}
			browser.WriteJSON(map[string]string{"error": "chat backend unavailable"})
			return nil
		}
		defer upstream.Close()

		errc := make(chan error, 2)
		go pump(browser, upstream, errc)
		go pump(upstream, browser, errc)

		// First broken direction tears down the relay.
		err = <-errc
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			slog.Debug("Chat relay closed", "error", err)
		}
		return nil
	}
}

func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, msg, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, msg); err != nil {
			errc <- err
			return
		}
	}
}
