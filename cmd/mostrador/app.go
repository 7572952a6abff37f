package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ndvalle/mostrador/internal/appointment"
	"github.com/ndvalle/mostrador/internal/config"
	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/db"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/llm"
	"github.com/ndvalle/mostrador/internal/logging"
	"github.com/ndvalle/mostrador/internal/maintenance"
	"github.com/ndvalle/mostrador/internal/notify"
	"github.com/ndvalle/mostrador/internal/processor"
	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/ndvalle/mostrador/internal/tools"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/ndvalle/mostrador/internal/transport/baileys"
	"github.com/ndvalle/mostrador/internal/transport/kommo"
	"github.com/ndvalle/mostrador/internal/transport/twilio"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// app is the fully wired service shared by serve and worker.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *gorm.DB
	redis     *redis.Client
	events    *events.Emitter
	convs     *conversation.Repository
	instances *conversation.Instances
	settings  *settings.Service
	adapters  *transport.Registry
	checkers  map[string]transport.HealthChecker
	notifier  *notify.Multi
	proc      *processor.Processor
}

// loadConfig loads the config file and builds the logger.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Log, cmd.ErrOrStderr()), nil
}

// connectFromConfig loads the config and opens the database.
func connectFromConfig(cmd *cobra.Command, configPath string) (*config.Config, *gorm.DB, zerolog.Logger, error) {
	cfg, log, err := loadConfig(cmd, configPath)
	if err != nil {
		return nil, nil, log, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, log, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, gormDB, log, nil
}

// newSettings builds the settings service, with the shared Redis tier
// when one is configured.
func newSettings(cfg *config.Config, gormDB *gorm.DB, em *events.Emitter, log *zerolog.Logger) (*settings.Service, *redis.Client, error) {
	opts := settings.Opts{Store: settings.NewGormStore(gormDB), Events: em, Log: log}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts.Hot = settings.NewRedisCache(rdb, "mostrador:settings:")
	}
	svc, err := settings.New(opts)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, err
	}
	return svc, rdb, nil
}

// buildApp wires every component from cfg. On error the database and
// Redis connections it opened are closed again.
func buildApp(ctx context.Context, cmd *cobra.Command, configPath string) (_ *app, err error) {
	cfg, gormDB, log, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: gormDB, events: events.New(events.Opts{})}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	if a.convs, err = conversation.NewRepository(conversation.RepositoryOpts{DB: gormDB, Events: a.events}); err != nil {
		return nil, err
	}
	a.instances = conversation.NewInstances(gormDB, nil)
	if a.settings, a.redis, err = newSettings(cfg, gormDB, a.events, &log); err != nil {
		return nil, err
	}

	resolver, err := stock.NewResolver(gormDB)
	if err != nil {
		return nil, err
	}
	router, err := tools.NewRouter(tools.RouterOpts{Catalog: resolver, Log: &log})
	if err != nil {
		return nil, err
	}

	bot := a.settings.Bot(ctx)
	loc, err := time.LoadLocation(bot.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", bot.Timezone).Msg("unknown business timezone, using UTC")
		loc = time.UTC
	}
	store := appointment.NewGormStore(gormDB)
	machine, err := appointment.NewMachine(appointment.MachineOpts{Catalog: store, Store: store, Location: loc, Log: &log})
	if err != nil {
		return nil, err
	}

	client, err := llm.NewOpenAI(llm.OpenAIOpts{
		Provider:   cfg.LLM.Provider,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		MaxRetries: cfg.LLM.MaxRetries,
		Timeout:    cfg.LLMTimeout(),
		Log:        &log,
	})
	if err != nil {
		return nil, err
	}

	if a.notifier, err = buildNotifier(cfg, &log); err != nil {
		return nil, err
	}
	if err := a.buildAdapters(ctx); err != nil {
		return nil, err
	}

	a.proc, err = processor.New(processor.Opts{
		Conversations: a.convs,
		Settings:      a.settings,
		LLM:           client,
		Tools:         router,
		Appointments:  machine,
		Notifier:      a.notifier,
		Events:        a.events,
		FlowTTL:       cfg.FlowTTL(),
		LLMTimeout:    cfg.LLMTimeout(),
		Log:           &log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildNotifier(cfg *config.Config, log *zerolog.Logger) (*notify.Multi, error) {
	var list []notify.Notifier
	if u := cfg.Notify.SlackWebhookURL; u != "" {
		s, err := notify.NewSlack(u, nil)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	if u := cfg.Notify.DiscordWebhookURL; u != "" {
		d, err := notify.NewDiscord(notify.DiscordOpts{WebhookURL: u})
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return notify.NewMulti(log, list...), nil
}

// buildAdapters registers every enabled provider.
func (a *app) buildAdapters(ctx context.Context) error {
	cfg := a.cfg
	a.adapters = transport.NewRegistry()
	a.checkers = make(map[string]transport.HealthChecker)

	if cfg.Kommo.Enabled {
		opts := kommo.AdapterOpts{
			ChannelSecret: cfg.Kommo.ChannelSecret,
			ScopeID:       cfg.Kommo.ScopeID,
			BotID:         cfg.Kommo.BotID,
			BotName:       cfg.Kommo.BotName,
			RatePerSec:    cfg.Kommo.RatePerSec,
			Log:           &a.log,
		}
		if cfg.Kommo.RefreshToken != "" {
			base := cfg.Kommo.APIBaseURL
			if base == "" && cfg.Kommo.Subdomain != "" {
				base = "https://" + cfg.Kommo.Subdomain + ".kommo.com"
			}
			contacts, err := kommo.NewRESTClient(ctx, kommo.RESTOpts{
				BaseURL:      base,
				ClientID:     cfg.Kommo.ClientID,
				ClientSecret: cfg.Kommo.ClientSecret,
				RefreshToken: cfg.Kommo.RefreshToken,
			})
			if err != nil {
				return err
			}
			opts.Contacts = contacts
		}
		k, err := kommo.New(opts)
		if err != nil {
			return err
		}
		a.adapters.Register(k)
	}

	if cfg.Twilio.Enabled {
		tw, err := twilio.New(twilio.AdapterOpts{
			AccountSID:     cfg.Twilio.AccountSID,
			AuthToken:      cfg.Twilio.AuthToken,
			WhatsAppNumber: cfg.Twilio.WhatsAppNumber,
			PublicURL:      cfg.Server.PublicURL,
			APIBaseURL:     cfg.Twilio.APIBaseURL,
			RatePerSec:     cfg.Twilio.RatePerSec,
			Log:            &a.log,
		})
		if err != nil {
			return err
		}
		a.adapters.Register(tw)
	}

	if cfg.Baileys.Enabled {
		b, err := baileys.New(baileys.AdapterOpts{
			BaseURL:         cfg.Baileys.BaseURL,
			APIKey:          cfg.Baileys.APIKey,
			DefaultInstance: cfg.Baileys.DefaultInstance,
			RatePerSec:      cfg.Baileys.RatePerSec,
			Instances:       a.instances,
			Events:          a.events,
			Log:             &a.log,
		})
		if err != nil {
			return err
		}
		a.adapters.Register(b)
		a.checkers["baileys"] = b
	}
	return nil
}

// newJanitor builds the maintenance scheduler.
func (a *app) newJanitor() (*maintenance.Janitor, error) {
	return maintenance.New(maintenance.Opts{
		Conversations: a.convs,
		Settings:      a.settings,
		Checkers:      a.checkers,
		Notifier:      a.notifier,
		Events:        a.events,
		Cron:          a.cfg.Maintenance.Cron,
		FlowTTL:       a.cfg.FlowTTL(),
		Log:           &a.log,
	})
}

// watchFailures turns failed jobs into turn.failed events and operator
// alerts until errs is closed. Failures drained during shutdown are still
// reported.
func (a *app) watchFailures(ctx context.Context, errs <-chan *queue.JobError) {
	ctx = context.WithoutCancel(ctx)
	for je := range errs {
		msg := je.Job.Message
		a.log.Error().Err(je.Err).Str("job", je.Job.ID).Str("provider", string(msg.Provider)).Str("phone", msg.Phone).Msg("turn failed")
		a.events.Publish(events.TurnFailed, 0, map[string]any{
			"job":      je.Job.ID,
			"provider": string(msg.Provider),
			"phone":    msg.Phone,
			"error":    je.Err.Error(),
		})
		if !a.settings.Bot(ctx).EnableErrorAlerts {
			continue
		}
		alert := notify.Alert{
			Kind:  notify.KindTurnFailed,
			Title: "Falló el procesamiento de un mensaje",
			Text:  je.Err.Error(),
			Phone: msg.Phone,
			Fields: map[string]string{
				"Canal":   string(msg.Provider),
				"Trabajo": je.Job.ID,
			},
		}
		if err := a.notifier.Notify(ctx, alert); err != nil {
			a.log.Warn().Err(err).Msg("turn failure alert")
		}
	}
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
