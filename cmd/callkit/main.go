package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/config"
	"github.com/mossy-p/callkit/internal/handlers"
	"github.com/mossy-p/callkit/internal/inbox"
	"github.com/mossy-p/callkit/internal/media"
	"github.com/mossy-p/callkit/internal/middleware"
	"github.com/mossy-p/callkit/internal/negotiation"
	"github.com/mossy-p/callkit/internal/notify"
	"github.com/mossy-p/callkit/internal/session"
	"github.com/mossy-p/callkit/internal/signaling"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := signaling.Connect(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer rdb.Close()
	log.Info("redis connection established")

	capturer, err := media.NewDeviceCapturer(log)
	if err != nil {
		log.WithError(err).Fatal("media capture init failed")
	}

	channel := signaling.NewRedisChannel(rdb, cfg.Call, log)
	registry := session.NewRegistry()

	deps := session.Deps{
		Channel:     channel,
		Capturer:    capturer,
		Ringer:      notify.NewLogRinger(log),
		Registry:    registry,
		Log:         log,
		RingTimeout: cfg.Call.RingTimeout,
		NewPeerConnection: func() (negotiation.PeerConnection, error) {
			return negotiation.NewPeerConnection(cfg.Call.ICEServers, capturer)
		},
	}

	listener := inbox.NewListener(deps)
	if err := listener.Start(ctx, cfg.UserID); err != nil {
		log.WithError(err).Fatal("inbox listener failed to start")
	}
	defer listener.Stop()

	api := &handlers.CallAPI{Deps: deps, UserID: cfg.UserID, Log: log}

	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", api.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		calls := apiGroup.Group("/calls", middleware.JWTAuth(cfg.JWTSecret))
		{
			calls.POST("", api.PlaceCall)
			calls.GET("/:callId", api.GetCall)
			calls.POST("/:callId/answer", api.Operate("answer"))
			calls.POST("/:callId/reject", api.Operate("reject"))
			calls.POST("/:callId/hangup", api.Operate("hangup"))
			calls.POST("/:callId/mute", api.Operate("mute"))
			calls.POST("/:callId/video", api.Operate("video"))
			calls.POST("/:callId/camera", api.Operate("camera"))
		}
	}

	router.GET("/ws/state", middleware.JWTAuth(cfg.JWTSecret), handlers.StateFeed(registry, log))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("callkit agent listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Hang up anything still in flight so peers are not left ringing.
	for _, ctrl := range registry.Active() {
		if err := ctrl.HangUp(); err != nil {
			log.WithError(err).WithField("call_id", ctrl.ID()).Warn("shutdown hangup failed")
		}
	}
	deadline := time.After(5 * time.Second)
	for _, ctrl := range registry.Active() {
		select {
		case <-ctrl.Done():
		case <-deadline:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
}
