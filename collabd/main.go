package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/scribehub/collab/collab"
)

const CollabdVersion = "0.0.1"

func main() {
	usage := `Realtime document sync service.

With no --db the service keeps working files and versions in memory,
which is for local development only. With no --redis the service runs
single-node without cross-instance fan-out. With no --jwt_secret every
non-empty bearer token is accepted.

Usage:
    collabd serve [--listen=<listen>]
        [--db=<db>]
        [--redis=<redis>]
        [--jwt_secret=<jwt_secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --listen=<listen>          Listen address [env: LISTEN_ADDR].
    --db=<db>                  Postgres url [env: DATABASE_URL].
    --redis=<redis>            Redis address [env: REDIS_ADDR].
    --jwt_secret=<jwt_secret>  HS256 secret [env: JWT_SECRET].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func optOrEnv(opts docopt.Opts, key string, envKey string, def string) string {
	if value, err := opts.String(key); err == nil && value != "" {
		return value
	}
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return def
}

func serve(opts docopt.Opts) {
	listenAddr := optOrEnv(opts, "--listen", "LISTEN_ADDR", ":8080")
	dbUrl := optOrEnv(opts, "--db", "DATABASE_URL", "")
	redisAddr := optOrEnv(opts, "--redis", "REDIS_ADDR", "")
	jwtSecret := optOrEnv(opts, "--jwt_secret", "JWT_SECRET", "")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fileStore collab.FileStore
	var versionStore collab.VersionStore
	if dbUrl != "" {
		pool, err := pgxpool.New(cancelCtx, dbUrl)
		if err != nil {
			glog.Errorf("[collabd]could not open db: %s\n", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := collab.Migrate(cancelCtx, pool); err != nil {
			glog.Errorf("[collabd]migrate failed: %s\n", err)
			os.Exit(1)
		}
		fileStore = collab.NewPgFileStore(pool)
		versionStore = collab.NewPgVersionStore(pool)
	} else {
		glog.Infof("[collabd]no db configured, using in-memory stores\n")
		fileStore = collab.NewMemoryFileStore()
		versionStore = collab.NewMemoryVersionStore()
	}

	var relay collab.Relay
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		defer client.Close()
		redisRelay := collab.NewRedisRelay(client)
		if err := redisRelay.Ping(cancelCtx); err != nil {
			glog.Errorf("[collabd]could not reach redis: %s\n", err)
			os.Exit(1)
		}
		relay = redisRelay
	}

	var verifier collab.Verifier
	if jwtSecret != "" {
		verifier = collab.NewJwtVerifier([]byte(jwtSecret))
	} else {
		glog.Infof("[collabd]no jwt secret configured, accepting any token\n")
		verifier = &collab.InsecureVerifier{}
	}

	bridge := collab.NewBridge(fileStore)
	registry := collab.NewRegistry(cancelCtx, bridge, relay, nil)
	defer registry.Close()
	versions := collab.NewVersionManager(registry, fileStore, versionStore)
	gateway := collab.NewGateway(cancelCtx, registry, verifier, versions)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: gateway.Router(),
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			glog.Infof("[collabd]%s, shutting down\n", sig)
		case <-cancelCtx.Done():
		}
		// stop accepting, then let the registry flush and close the rooms
		server.Shutdown(context.Background())
		registry.Close()
	}()

	glog.Infof("[collabd]listening on %s\n", listenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("[collabd]serve failed: %s\n", err)
		os.Exit(1)
	}
}
