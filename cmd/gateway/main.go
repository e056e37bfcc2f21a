package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fieldscout/gateway/chunkstore"
	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/dispatch"
	"github.com/fieldscout/gateway/gateway"
	"github.com/fieldscout/gateway/imagestore"
	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/session"
	"github.com/fieldscout/gateway/store"
	"github.com/fieldscout/gateway/wake"
)

type config struct {
	Broker mqttc.Config `group:"Broker" namespace:"broker" env-namespace:"BROKER"`

	Database struct {
		Driver  string `long:"driver" env:"DRIVER" default:"pgx" choice:"pgx" choice:"sqlite3" description:"Database driver"`
		DSN     string `long:"dsn" env:"DSN" default:"postgres://localhost/fieldscout?sslmode=disable" description:"Database connection string"`
		Migrate bool   `long:"migrate" env:"MIGRATE" description:"Apply the schema at startup"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Storage struct {
		Bucket   string `long:"bucket" env:"BUCKET" description:"GCS bucket for image artifacts; empty selects local files"`
		LocalDir string `long:"local-dir" env:"LOCAL_DIR" default:"./images" description:"Artifact directory when no bucket is configured"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	Gateway struct {
		TopicPrefix string `long:"topic-prefix" env:"TOPIC_PREFIX" default:"camera" description:"Device topic prefix"`
		HealthAddr  string `long:"health-addr" env:"HEALTH_ADDR" default:":8080" description:"Health and metrics listen address"`
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg config
	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	initLogging(cfg)

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithField("error", err).Fatal("gateway exited")
	}
	log.Info("gateway stopped")
}

func initLogging(cfg config) {
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

func run(ctx context.Context, cfg config) error {
	var st, err = store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.Migrate {
		if err = st.Migrate(ctx); err != nil {
			return err
		}
	}

	var rpc = st.NewRPC()
	var lineageSource devctx.LineageSource = rpc
	if st.Driver() != "pgx" {
		lineageSource = st
	}
	var resolver = devctx.NewResolver(lineageSource, devctx.DefaultLineageTTL)
	var auditor = devctx.NewAuditor(st)
	var chunks = chunkstore.New(st.DB())
	var sched = wake.NewScheduler(rpc, st)

	var uploader imagestore.Uploader
	if cfg.Storage.Bucket != "" {
		var gcs *imagestore.GCS
		if gcs, err = imagestore.NewGCS(ctx, cfg.Storage.Bucket); err != nil {
			return err
		}
		defer gcs.Close()
		uploader = gcs
	} else {
		log.WithField("dir", cfg.Storage.LocalDir).Warn("no bucket configured, storing artifacts locally")
		uploader = imagestore.NewLocal(cfg.Storage.LocalDir)
	}

	var topics = mqttc.Topics{Prefix: cfg.Gateway.TopicPrefix}

	// OnConnect re-binds subscriptions on every reconnect. The router does
	// not exist yet during the initial connect; the explicit Bind below
	// covers it.
	var routerRef atomic.Pointer[gateway.Router]
	client, err := mqttc.Dial(cfg.Broker, func(c *mqttc.Client) {
		if r := routerRef.Load(); r != nil {
			r.Bind(c)
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	var dispatcher = dispatch.New(st, client, topics, sched, auditor)
	var engine = session.NewEngine(session.Config{
		Store:    st,
		Chunks:   chunks,
		RPC:      rpc,
		Resolver: resolver,
		Audit:    auditor,
		Pub:      client,
		Topics:   topics,
		Uploader: uploader,
		Sched:    sched,
		Commands: dispatcher,
	})
	var router = gateway.NewRouter(engine, dispatcher, auditor, topics)
	routerRef.Store(router)
	router.Bind(client)

	var provisioner = gateway.NewProvisioner(st, resolver, dispatcher)
	var health = gateway.NewHealthServer(st, client, dispatcher, provisioner)

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return engine.RunSessionSweeper(groupCtx) })
	group.Go(func() error { return engine.RunChunkSweeper(groupCtx) })
	group.Go(func() error { return health.Serve(groupCtx, cfg.Gateway.HealthAddr) })

	log.WithFields(log.Fields{
		"driver": st.Driver(),
		"prefix": cfg.Gateway.TopicPrefix,
	}).Info("gateway running")
	return group.Wait()
}
