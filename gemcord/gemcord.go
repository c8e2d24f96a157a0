package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// Version is the application version, set at build time:
	//   -ldflags "-X github.com/arcward/gemcord/gemcord.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the remaining time is
// logged while waiting on in-flight handlers
var shutdownAnnouncementInterval = 10 * time.Second

// Gemcord is the bot. It connects to the discord gateway, answers
// messages addressed to it using the configured model, and handles the
// /memory and /imagine slash commands.
//
// Create an instance with New, then call Run.
type Gemcord struct {
	config *Config
	logger *slog.Logger

	logWriter io.Writer
	logCloser io.Closer

	discord      *Discord
	store        *HistoryStore
	conversation *Conversation
	attachments  *AttachmentExtractor
	images       *ImageClient
	retry        RetryPolicy
	metrics      *Metrics
	api          *API

	db      *gorm.DB
	writeDB DBI

	// handlerCtx is passed to gateway event handlers. It outlives the
	// runtime context, so in-flight handlers can finish during shutdown.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	stopping      atomic.Bool

	startedAt   time.Time
	runMu       sync.Mutex
	signalReady chan struct{}

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a new Gemcord instance from config. The config is not
// validated until Run is called.
func New(config *Config) (*Gemcord, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Gemcord{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	d.logWriter, d.logCloser = logWriter(os.Stdout, config.LogFile)
	d.logger = slog.New(newLogHandler(d.logWriter, config.LogLevel))
	slog.SetDefault(d.logger)

	config.Discord.httpClient = config.HTTPClient
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(d.logWriter, config.Discord.DiscordGoLogLevel),
	)
	d.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(d.logWriter, config.Discord.LogLevel)).With(
			loggerNameKey,
			"discord",
		),
	)

	d.store = NewHistoryStore(config.HistoryDir, d.logger)
	d.conversation = newConversation(
		config.Model,
		config.HTTPClient,
		slog.New(newLogHandler(d.logWriter, config.Model.LogLevel)),
	)
	d.attachments = newAttachmentExtractor(config.HTTPClient, d.logger)
	d.images = newImageClient(
		config.Imagine,
		config.HTTPClient,
		slog.New(newLogHandler(d.logWriter, config.Imagine.LogLevel)),
	)
	d.retry = newRetryPolicy(config.Retry, d.logger.With(loggerNameKey, "retry"))
	d.metrics = newMetrics(
		d.discord.connected.Load,
		func() int {
			return len(d.store.Guilds())
		},
	)
	d.api = newAPI(
		d,
		config.API,
		slog.New(newLogHandler(d.logWriter, config.API.LogLevel)),
	)

	return d, errors.Join(errs...)
}

func (d *Gemcord) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Ready returns a channel which receives once Run has connected to
// discord and registered commands
func (d *Gemcord) Ready() <-chan struct{} {
	return d.signalReady
}

// Run starts the bot, blocking until ctx is canceled, then shuts down.
//
// Startup (opening the database, loading conversation history) is
// bounded by Config.StartupTimeout. History is loaded before any
// gateway handlers are registered.
func (d *Gemcord) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	runtimeWG := &sync.WaitGroup{}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.handlerCtx, d.handlerCancel = context.WithCancel(context.WithoutCancel(ctx))
	defer d.handlerCancel()
	d.stopping.Store(false)

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.config.API.Enabled {
		if err := d.api.listen(startCtx); err != nil {
			return err
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, d.shutdown(ctx, runtimeWG))
	}

	if err := d.discordInit(ctx); err != nil {
		return errors.Join(err, d.shutdown(ctx, runtimeWG))
	}

	select {
	case d.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun opens the audit database and loads conversation history
func (d *Gemcord) initRun(ctx context.Context) error {
	if d.db == nil {
		db, err := CreateDB(
			ctx,
			d.config.DatabaseType,
			d.config.Database,
			newLogHandler(d.logWriter, d.config.DatabaseLogLevel),
			d.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		d.db = db
	}
	if d.writeDB == nil {
		d.writeDB = NewDatabase(
			d.db,
			d.logger,
			d.config.DatabaseType == dbTypePostgres,
		)
	}

	if err := d.store.Load(ctx); err != nil {
		return fmt.Errorf("error loading history: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"loaded history",
		"dir", d.store.Dir(),
		"guilds", len(d.store.Guilds()),
	)
	return nil
}

// initDiscordSession creates the discord session (if not already set),
// and registers gateway event handlers. Each event is handled in its
// own goroutine, tracked by runtimeWG.
func (d *Gemcord) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	handlerCtx := WithLogger(d.handlerCtx, d.logger)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				if d.stopping.Load() {
					return
				}
				handler := d.getInteractionHandlerFunc(handlerCtx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(handlerCtx, handler)
				}()
			},
		),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				if d.stopping.Load() {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleMessage(handlerCtx, m)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger:      d.logger.With(loggerNameKey, "interaction"),
			}
		}
	}
	return nil
}

// discordInit opens the discord websocket connection and registers
// slash commands
func (d *Gemcord) discordInit(ctx context.Context) error {
	logger := d.logger
	logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := d.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		return err
	}
	return nil
}

// RegisterSlashCommands registers the /memory and /imagine commands,
// globally or for the configured guild
func (d *Gemcord) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// shutdown stops accepting new events, closes the discord session and
// API server, and waits up to Config.ShutdownTimeout for in-flight
// handlers before canceling them.
func (d *Gemcord) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	d.stopping.Store(true)

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(d.config.ShutdownTimeout)

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	if d.discord.session != nil {
		d.logger.InfoContext(ctx, "closing discord session")
		if err := d.discord.session.Close(); err != nil {
			d.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		d.discord.discordgoRemoveHandlerFuncs = nil
		d.logger.InfoContext(ctx, "discord session closed")
	}

	if d.api != nil && d.api.listener != nil {
		go func() {
			d.logger.InfoContext(ctx, "stopping http server")
			_ = d.api.httpServer.Shutdown(closeCtx)
			d.logger.InfoContext(ctx, "http server stopped")
		}()
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	var shutdownErr error
	for shutdownErr == nil {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			d.closeResources(ctx)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("handlers did not stop in time, forcing close")
			shutdownErr = errors.New("handlers did not stop in time")
		}
	}

	if d.handlerCancel != nil {
		d.handlerCancel()
	}
	if d.api != nil && d.api.listener != nil {
		_ = d.api.httpServer.Close()
	}
	d.closeResources(ctx)
	return shutdownErr
}

// closeResources closes the database connection and log file
func (d *Gemcord) closeResources(ctx context.Context) {
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				d.logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
			}
		}
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}

// recordCreate inserts an audit record. Failures are logged, and
// never affect the discord response.
func (d *Gemcord) recordCreate(ctx context.Context, value any) {
	if d.writeDB == nil {
		return
	}
	if _, err := d.writeDB.Create(context.WithoutCancel(ctx), value); err != nil {
		loggerFromContext(ctx, d.logger).ErrorContext(
			ctx,
			"error creating audit record",
			tint.Err(err),
		)
	}
}

// recordSave updates an audit record previously passed to recordCreate
func (d *Gemcord) recordSave(ctx context.Context, value any) {
	if d.writeDB == nil {
		return
	}
	if _, err := d.writeDB.Save(context.WithoutCancel(ctx), value); err != nil {
		loggerFromContext(ctx, d.logger).ErrorContext(
			ctx,
			"error saving audit record",
			tint.Err(err),
		)
	}
}

// handleRecover recovers from a panic in an event handler, logging it
// along with the stack trace. It must be deferred directly.
func handleRecover(ctx context.Context, logger *slog.Logger) {
	rc := recover()
	if rc == nil {
		return
	}
	if logger == nil {
		logger = loggerFromContext(ctx, nil)
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
