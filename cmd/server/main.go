package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/traklist/server/internal/auth"
	"github.com/traklist/server/internal/config"
	"github.com/traklist/server/internal/history"
	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/internal/tunnel"
	"github.com/traklist/server/internal/ws"
	"github.com/traklist/server/pkg/database"
	"github.com/traklist/server/pkg/events"
	"github.com/traklist/server/pkg/jwt"
	"github.com/traklist/server/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found")
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := cfg.NewLogger()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OAuth state nonces live in Redis when configured so several instances
	// can share a login flow.
	var states auth.StateStore = auth.NewMemoryStateStore()
	if cfg.Redis.Addr != "" {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		states = redis.NewStateStore(redisClient)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}
	defer publisher.Close()

	spotifyClient := spotify.NewClient(
		cfg.Spotify.ClientID,
		cfg.Spotify.ClientSecret,
		cfg.Spotify.RedirectURI,
		spotify.WithLogger(logger),
	)
	signer := jwt.NewSigner(cfg.HostTokenSecret, cfg.HostTokenTTL)
	hub := ws.NewHub(logger)

	opts := []room.Option{room.WithEvents(publisher), room.WithLogger(logger)}
	var historyDB *database.MySQLDB
	if cfg.HistoryEnabled() {
		db, err := database.NewMySQLDB(cfg.MySQL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		historyDB = db
		opts = append(opts, room.WithHistory(db))
	}
	roomService := room.NewService(spotifyClient, spotifyClient, hub, opts...)

	tun, err := tunnel.NewService(cfg.Ngrok, logger)
	if err != nil {
		return err
	}

	// Initialize handlers
	authHandler := auth.NewHandler(spotifyClient, roomService, states, signer, cfg.PublicURL, logger)
	roomHandler := room.NewHandler(roomService)
	wsHandler := ws.NewHandler(hub, roomService, signer, cfg.AllowedOrigins, logger)

	router := newRouter(cfg, logger, roomService, tun)

	v1 := router.Group("/api/v1")
	authHandler.RegisterRoutes(v1)
	roomHandler.RegisterRoutes(v1, auth.HostMiddleware(signer))
	if historyDB != nil {
		history.NewHandler(historyDB, logger).
			RegisterRoutes(v1, auth.OperatorMiddleware(cfg.HistoryAPIToken), auth.HostMiddleware(signer))
	}
	wsHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return roomService.RunReconciler(gctx, cfg.ReconcileInterval)
	})

	g.Go(func() error {
		if err := tun.Start(gctx, cfg.Addr()); err != nil {
			return err
		}
		select {
		case <-gctx.Done():
			return tun.Stop()
		case <-tun.Done():
			// The LAN address keeps working; only the public URL is gone.
			logger.Warn("ngrok tunnel closed")
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRouter(cfg *config.Config, logger logrus.FieldLogger, rooms *room.Service, tun *tunnel.Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	started := time.Now()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":             true,
			"service":        "traklist",
			"timestamp":      time.Now().UTC(),
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"rooms":          rooms.RoomCount(),
		})
	})

	router.GET("/api/v1/network-info", func(c *gin.Context) {
		publicURL := cfg.PublicURL
		if u := tun.PublicURL(); u != "" {
			publicURL = u
		}
		c.JSON(http.StatusOK, gin.H{
			"local_ip":   localIP(),
			"port":       cfg.Port,
			"public_url": publicURL,
		})
	})

	// Redirect legacy OAuth paths to the API routes, preserving the query.
	for legacy, dest := range map[string]string{
		"/login":         "/api/v1/auth/login",
		"/callback":      "/api/v1/auth/callback",
		"/auth/callback": "/api/v1/auth/callback",
	} {
		dest := dest
		router.GET(legacy, func(c *gin.Context) {
			target := dest
			if raw := c.Request.URL.RawQuery; raw != "" {
				target += "?" + raw
			}
			c.Redirect(http.StatusTemporaryRedirect, target)
		})
	}

	return router
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

// localIP returns the first non-loopback IPv4 address of an interface that
// is up, skipping container bridges.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "docker") || strings.HasPrefix(name, "veth") || strings.HasPrefix(name, "br-") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return ""
}
