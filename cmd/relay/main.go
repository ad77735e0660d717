package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelguard/relay/internal/auth"
	"github.com/modelguard/relay/internal/authz"
	"github.com/modelguard/relay/internal/authz/postgres"
	"github.com/modelguard/relay/internal/handler"
	"github.com/modelguard/relay/internal/history"
	historymongo "github.com/modelguard/relay/internal/history/mongodb"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"github.com/modelguard/relay/internal/server"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(
	logger *zap.Logger,
	settings Settings,
	roleStore authz.RoleStore,
	historyEngine history.Engine,
	recorder history.Recorder,
) *App {
	originChecker := server.NewOriginChecker(settings.AllowedOrigins)
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	verifier := auth.NewJWTVerifier(settings.JWTSecret)
	apiKeys := auth.NewAPIKeys(settings.APIKeys)

	presenceStore := presence.NewStore(logger)
	registry := relay.NewInMemoryRegistry(logger)
	roomManager := room.NewManager(logger, registry)
	gate := authz.NewGate(logger, roleStore)
	keyValidator := room.NewKeyValidator()

	heartbeatHandler := handler.NewHeartbeatHandler()
	roomHandler := handler.NewRoomHandler(logger, gate, roomManager)
	mutationHandler := handler.NewMutationHandler(logger, gate, registry, presenceStore, recorder)
	emitHandler := handler.NewEmitHandler(logger, keyValidator, registry, presenceStore, recorder)

	router := server.NewRouter(
		logger,
		heartbeatHandler,
		roomHandler,
		mutationHandler,
	)

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		verifier,
		presenceStore,
		registry,
		roomManager,
		router,
	)
	restServer := server.NewRESTServer(
		logger,
		emitHandler,
		historyEngine,
		apiKeys,
	)

	return &App{
		logger,
		settings,
		websocketServer,
		restServer,
	}
}

func (a *App) run(ctx context.Context) {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Fatal("http server shutdown failed",
			zap.Error(err))
	}

	a.logger.Info("http server stopped")
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		bootstrapLogger, _ := zap.NewProduction()
		bootstrapLogger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		bootstrapLogger, _ := zap.NewProduction()
		bootstrapLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	pool, err := pgxpool.New(ctx, settings.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create postgres pool", zap.Error(err))
	}
	defer pool.Close()

	roleStore := postgres.NewRoleStore(pool)

	var historyEngine history.Engine = history.NoopEngine{}
	var recorder history.Recorder = history.NoopRecorder{}

	if settings.MongoURI != "" {
		mongoClient, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			logger.Fatal("failed to connect to mongodb", zap.Error(err))
		}
		defer mongoClient.Disconnect(ctx)

		engine := historymongo.NewEngine(mongoClient)

		err = engine.Setup(ctx)
		if err != nil {
			logger.Fatal("failed to set up history engine", zap.Error(err))
		}

		historyEngine = engine
		recorder = history.NewEngineRecorder(logger, engine)
	}

	app := NewApp(logger, settings, roleStore, historyEngine, recorder)

	app.run(ctx)
}
