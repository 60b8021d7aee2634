package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/equipment"
	"github.com/lis/lis/internal/domain/inbound"
	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/engine"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/imaging"
	"github.com/lis/lis/internal/platform/middleware"
	"github.com/lis/lis/migrations"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "lis-server",
		Short:        "Laboratory HL7/MLLP interface server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hl7Cmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				count, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				statuses, err := db.NewMigrator(pool, migrations.FS, logger).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func hl7Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hl7",
		Short: "Operate on stored HL7 traffic or talk to an MLLP endpoint",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "replay <message-id>",
		Short: "Process a stored message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				a, err := buildApp(ctx, cfg, pool, logger)
				if err != nil {
					return err
				}
				defer a.close()

				out, err := a.engine.Replay(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "regenerate-images",
		Short: "Decode again the images of every stored message with ED values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				a, err := buildApp(ctx, cfg, pool, logger)
				if err != nil {
					return err
				}
				defer a.close()

				rep, err := a.messages.RegenerateImages(ctx)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	})

	queryCmd := &cobra.Command{
		Use:   "query <sample-id>",
		Short: "Send a QRY^Q02 for a sample and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			app, _ := cmd.Flags().GetString("app")
			facility, _ := cmd.Flags().GetString("facility")

			msg := hl7v2.QueryMessage(app, facility, args[0], time.Now())
			return sendAndPrint(addr, timeout, msg)
		},
	}
	queryCmd.Flags().String("app", "SIMULATOR", "Sending application written as MSH-3")
	queryCmd.Flags().String("facility", "LAB", "Sending facility written as MSH-4")
	cmd.AddCommand(withClientFlags(queryCmd))

	cmd.AddCommand(withClientFlags(&cobra.Command{
		Use:   "send <file>",
		Short: "Send the HL7 message stored in a file and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			msg := normalizeSegments(raw)
			if len(msg) == 0 {
				return fmt.Errorf("%s is empty", args[0])
			}
			return sendAndPrint(addr, timeout, msg)
		},
	}))

	return cmd
}

func withClientFlags(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String("addr", "localhost:2575", "MLLP endpoint (host:port)")
	cmd.Flags().Duration("timeout", 10*time.Second, "Dial, write and read timeout")
	return cmd
}

// normalizeSegments turns LF or CRLF separated segments into CR separated
// ones and drops blank lines.
func normalizeSegments(raw []byte) []byte {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var segments []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			segments = append(segments, line)
		}
	}
	if len(segments) == 0 {
		return nil
	}
	return []byte(strings.Join(segments, "\r") + "\r")
}

func sendAndPrint(addr string, timeout time.Duration, msg []byte) error {
	reply, err := hl7v2.NewClient(addr, timeout).Send(msg)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.ReplaceAll(reply, []byte("\r"), []byte("\n"))))
	if code := hl7v2.AckCode(reply); code != "" {
		fmt.Printf("MSA-1: %s\n", code)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withPool loads the configuration, opens the database and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool, logger)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "lis-server",
	}
}

// app holds the wired processing pipeline.
type app struct {
	engine    *engine.Engine
	messages  *inbound.Service
	publisher events.Publisher
	closers   []func() error
}

func (a *app) close() {
	for _, c := range a.closers {
		c()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	decoder, err := imaging.NewDecoder(imaging.Layout{
		Width:         cfg.ImageWidth,
		Height:        cfg.ImageHeight,
		BytesPerPixel: cfg.ImageBytesPerPixel,
	})
	if err != nil {
		return nil, err
	}

	a := &app{publisher: events.Noop{}}
	if cfg.RedisURL != "" {
		pub, err := events.Dial(ctx, cfg.RedisURL, cfg.EventStream)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info().Str("stream", cfg.EventStream).Msg("publishing outcomes to redis")
	}

	equipRepo := equipment.NewRepoPG(pool)
	labRepo := laboratory.NewRepoPG(pool)
	a.messages = inbound.NewService(inbound.NewRepoPG(pool), decoder, logger)

	loader := engine.NewLoader(db.NewTxRunner(pool), labRepo, equipRepo, a.messages, logger)
	a.engine = engine.New(engine.Deps{
		Store:     a.messages,
		Resolver:  equipment.NewResolver(equipRepo),
		Loader:    loader,
		Lab:       labRepo,
		Responder: hl7v2.NewResponder(cfg.HL7SendingApp, cfg.HL7SendingFacility),
		Publisher: a.publisher,
	}, logger)
	return a, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	defer a.close()

	// MLLP listener
	listener := hl7v2.NewListener(hl7v2.ListenerConfig{
		Addr:           cfg.MLLPAddr,
		PollInterval:   cfg.MLLPPollInterval,
		IdleTimeout:    cfg.MLLPIdleTimeout,
		MaxMessageSize: cfg.MLLPMaxMessageBytes,
	}, a.engine.Handle, logger)
	if cfg.MLLPAutostart {
		listener.Start()
		logger.Info().Str("addr", cfg.MLLPAddr).Msg("MLLP listener started")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, strconv.Itoa(cfg.MLLPMaxMessageBytes)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AdminJWTIssuer,
			SigningKey: []byte(cfg.AdminJWTSecret),
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"mllp_running": listener.Status(),
			"mllp_addr":    listener.Addr(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API routes
	apiV1 := e.Group("/api/v1")
	engine.NewHandler(listener, a.messages, a.engine).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting admin server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("MLLP listener shutdown timed out")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
