package http

import (
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/api/http/handler"
	"github.com/EternisAI/overlord/internal/api/http/middleware"
	"github.com/EternisAI/overlord/internal/auth"
	"github.com/EternisAI/overlord/internal/forward"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Registry *agents.Registry
	Sessions handler.SessionOpener
	Forwards *forward.Manager
	Auth     *auth.Service
	// History is nil when the audit store is disabled.
	History handler.HistoryReader

	PropertiesTTL  time.Duration
	RPCTimeout     time.Duration
	AdminAPIKey    string
	AllowedOrigins []string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())
	engine.Use(cors.New(corsConfig(srvs.AllowedOrigins)))

	upgrader := handler.NewUpgrader(srvs.AllowedOrigins)

	healthHandler := handler.NewHealthHandler(srvs.Registry)
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Auth)
	engine.POST("/auth/login", authHandler.Login)

	secret := ""
	if srvs.Auth.Enabled() {
		secret = srvs.Auth.Secret()
	}
	console := engine.Group("/", middleware.JWTAuth(secret))

	agentsHandler := handler.NewAgentsHandler(srvs.Registry, srvs.PropertiesTTL, upgrader)
	console.GET("/agents", agentsHandler.ListAgents)
	console.GET("/agents/subscribe", agentsHandler.Subscribe)
	console.GET("/agents/:mid", agentsHandler.GetAgent)
	console.GET("/agent/properties/:mid", agentsHandler.GetProperties)

	historyHandler := handler.NewHistoryHandler(srvs.History)
	console.GET("/agents/:mid/history", historyHandler.GetHistory)

	sessionHandler := handler.NewSessionHandler(srvs.Sessions, upgrader)
	console.GET("/agent/session/:mid", sessionHandler.OpenSession)
	console.POST("/agent/session/:mid", sessionHandler.OpenSession)

	rpcHandler := handler.NewRPCHandler(srvs.Registry, srvs.RPCTimeout)
	console.POST("/agent/rpc/:mid", rpcHandler.Call)

	forwardHandler := handler.NewForwardHandler(srvs.Registry, srvs.Forwards)
	console.POST("/agent/forward/:mid", forwardHandler.StartForward)
	console.GET("/forwards", forwardHandler.ListForwards)
	console.DELETE("/forwards/:port", forwardHandler.StopForward)

	admin := engine.Group("/", middleware.APIKeyAuth(srvs.AdminAPIKey))
	admin.DELETE("/agents/:mid", agentsHandler.RemoveAgent)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-API-Key")
	return cfg
}
