// Command overlayd is the streaming-overlay companion daemon. It maintains a
// resilient connection to the upstream event feed, turns channel activity
// into overlay alerts, and fans them out to local overlay pages over SSE.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ovrly/overlayd/internal/alerts"
	"github.com/ovrly/overlayd/internal/broadcast"
	"github.com/ovrly/overlayd/internal/config"
	"github.com/ovrly/overlayd/internal/control"
	"github.com/ovrly/overlayd/internal/domain"
	"github.com/ovrly/overlayd/internal/eventsub"
	"github.com/ovrly/overlayd/internal/observability"
	"github.com/ovrly/overlayd/internal/store"
	"github.com/ovrly/overlayd/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// sinkFunc adapts a function to the alert-sink interface the broadcast
// server's test endpoint expects.
type sinkFunc func(domain.Event) error

func (f sinkFunc) Process(ev domain.Event) error { return f(ev) }

func main() {
	// .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Msg("overlayd starting")

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("store init failed")
	}

	feed := eventsub.New(eventsub.Config{
		URL:              cfg.Twitch.EventSubURL,
		HelixURL:         cfg.Twitch.HelixURL,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		KeepaliveTimeout: cfg.Feed.KeepaliveTimeout,
		BackoffBase:      cfg.Feed.BackoffBase,
		MaxAttempts:      cfg.Feed.MaxAttempts,
	}, st, log.Logger)

	// The processor and server reference each other: the server's test
	// endpoint feeds the processor, and the processor delivers through the
	// server. Both indirections resolve after construction, before any
	// request or event can arrive.
	var proc *alerts.Processor
	srv := broadcast.New(broadcast.Options{
		ServiceName:  cfg.OTEL.ServiceName,
		RateRPS:      cfg.RateRPS,
		RateBurst:    cfg.RateBurst,
		ExtraOrigins: cfg.CORSAllowedOrigins,
		Cache:        feed,
		Alerts:       sinkFunc(func(ev domain.Event) error { return proc.Process(ev) }),
	})
	provider := func() alerts.Broadcaster { return srv }
	proc = alerts.NewProcessor(st, provider, cfg.AssetDir, log.Logger)

	ctrl := control.New(srv, st, cfg.BroadcastPort)
	if res := ctrl.Restart(ctx); !res.OK {
		log.Fatal().Str("error", res.Error).Msg("broadcast server start failed")
	}

	// Feed events drive alerts; a failed alert is logged and dropped so the
	// feed never stalls.
	onAlert := func(ev domain.Event) {
		if err := proc.Process(ev); err != nil {
			log.Error().Err(err).
				Str("kind", string(ev.Kind)).
				Str("event_id", ev.ID).
				Msg("alert dropped")
		}
	}
	feed.OnEvent(domain.KindRedemption, onAlert)
	feed.OnEvent(domain.KindFollow, onAlert)
	feed.OnEvent(domain.KindSubscription, onAlert)
	feed.OnChat(alerts.NewChatRelay(provider))

	if cfg.Twitch.Credentials() {
		if err := feed.Connect(ctx, cfg.Twitch.AccessToken, cfg.Twitch.BroadcasterID, cfg.Twitch.ClientID); err != nil {
			log.Error().Err(err).Msg("feed connect failed; broadcast surface stays up")
		}
	} else {
		log.Warn().Msg("feed credentials missing; running without upstream connection")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed.Disconnect()
	if err := srv.Stop(shutCtx); err != nil {
		log.Error().Err(err).Msg("broadcast server stop failed")
	}
	if err := shutdownOTel(shutCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("overlayd stopped")
}
