package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/z-relay/backend/internal/middleware"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

// Router is the API's HTTP handler. Shutdown drains the websocket
// connections that http.Server.Shutdown leaves open.
type Router struct {
	http.Handler
	ws *chat.WebSocketHandler
}

// Shutdown closes every websocket connection and waits for in-flight
// messages to be recorded.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.ws.Shutdown(ctx)
}

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, logger *zap.Logger) *Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(chatSvc, logger)
	wsHandler := chat.NewWebSocketHandler(chatSvc, logger)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return &Router{Handler: r, ws: wsHandler}
}
