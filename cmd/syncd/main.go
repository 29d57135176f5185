package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/matchsync/internal/config"
	"github.com/whisper/matchsync/internal/engine"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/messaging"
	"github.com/whisper/matchsync/internal/remote"
	"github.com/whisper/matchsync/internal/report"
	"github.com/whisper/matchsync/internal/session"
	"github.com/whisper/matchsync/internal/ws"
)

func main() {
	log := logging.For("syncd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("syncd stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
	}

	// --- Credentials ---
	var tokens remote.TokenSource = session.Static(cfg.API.Token)
	if cfg.API.Token == "" {
		tokens = session.NewStore(rdb, cfg.API.SessionID)
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	id, err := session.ParseIdentity(token)
	if err != nil {
		return err
	}

	apiCfg := remote.DefaultConfig()
	apiCfg.BaseURL = cfg.API.BaseURL
	apiCfg.Timeout = cfg.API.Timeout
	client, err := remote.New(apiCfg, tokens, nil)
	if err != nil {
		return err
	}

	engCfg := engine.DefaultConfig(id)
	engCfg.Screen.RosterInterval = cfg.Poll.Roster
	engCfg.Screen.ThreadInterval = cfg.Poll.Thread
	engCfg.Thread.Interval = cfg.Poll.Thread
	engCfg.Access.Interval = cfg.Poll.Access
	engCfg.Typing.Cooldown = cfg.Poll.TypingCooldown

	var opts []engine.Option
	if rdb != nil {
		opts = append(opts, engine.WithRedis(rdb))
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts, engine.WithMirror(messaging.NewMirror(nc, id.UserID)))
	}

	// --- PostgreSQL ---
	if cfg.DatabaseURL != "" {
		db, err := report.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, engine.WithReporter(report.NewStore(db)))
	}

	eng := engine.New(client, engCfg, opts...)
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	host := newHostServer(cfg, eng)

	log.WithFields(logrus.Fields{
		"user_id":     id.UserID,
		"role":        id.Role,
		"api":         apiCfg.BaseURL,
		"listen_addr": cfg.ListenAddr,
		"redis":       cfg.Redis.Addr != "",
		"nats":        cfg.NATSURL != "",
		"reports":     cfg.DatabaseURL != "",
	}).Info("syncd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(host.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := host.server.Shutdown(shutdownCtx)
		host.bridge.Wait()
		return err
	})
	return g.Wait()
}

type hostServer struct {
	server *ws.Server
	bridge *ws.Host
}

// newHostServer wires the host bridge for eng.
func newHostServer(cfg *config.Config, eng *engine.Engine) hostServer {
	srvCfg := ws.DefaultServerConfig()
	srvCfg.ListenAddr = cfg.ListenAddr

	bridge := ws.NewHost(eng)
	server := ws.NewServer(srvCfg, bridge.Dispatch)
	bridge.Attach(server)
	return hostServer{server: server, bridge: bridge}
}
