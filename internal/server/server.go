package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dealspot/apiserver/config"
	"github.com/dealspot/apiserver/internal/db"
	"github.com/dealspot/apiserver/internal/events"
	"github.com/dealspot/apiserver/internal/handlers"
	"github.com/dealspot/apiserver/internal/mailer"
	"github.com/dealspot/apiserver/internal/mq"
	"github.com/dealspot/apiserver/internal/password"
	"github.com/dealspot/apiserver/internal/services"
	"github.com/dealspot/apiserver/internal/store"
	"github.com/dealspot/apiserver/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	jwtSecret := strings.TrimSpace(cfg.JWT.Secret)
	if jwtSecret == "" {
		_ = dbConn.Close()
		return nil, errors.New("JWT_SECRET is required")
	}

	sender, err := newSender(cfg.Mailer)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	broker, err := newBroker(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	issuer := token.NewIssuer(
		jwtSecret,
		time.Duration(cfg.JWT.ExpireDays)*24*time.Hour,
		cfg.IsProduction(),
	)

	userRepo := store.NewUserRepository(dbConn)
	publisher := events.NewPublisher(broker, slog.Default())
	authService := services.NewAuthService(
		userRepo,
		password.NewHasher(cfg.Auth.BcryptCost),
		issuer,
		sender,
		publisher,
		services.Options{
			BaseURL:         cfg.Auth.BaseURL,
			VerificationTTL: cfg.Auth.VerificationTTL,
			ResetTTL:        cfg.Auth.ResetTTL,
			MailTimeout:     cfg.Mailer.Timeout,
		},
	)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api/v1/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authService, issuer)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		broker:     broker,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.broker != nil {
		_ = s.broker.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}

func newSender(cfg config.MailerConfig) (mailer.Sender, error) {
	switch cfg.Backend {
	case "smtp":
		return mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			Timeout:  cfg.Timeout,
		})
	case "", "log":
		return mailer.NewLogSender(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown mailer backend %q", cfg.Backend)
	}
}

func newBroker(ctx context.Context, cfg config.MQConfig) (*mq.MQ, error) {
	switch cfg.Backend {
	case "rabbitmq":
		client, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	case "pubsub":
		client, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}
