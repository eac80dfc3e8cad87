package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/spf13/viper"

	"webweir.net/wot/wot"
	"webweir.net/wot/wot/persist"
)

const WotdVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Web of trust daemon.

Serves the trust graph api and the subscription websocket.

Usage:
    wotd serve [--root_dir=<root_dir>] [--listen=<listen>]
        [-v...]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --root_dir=<root_dir>   Working directory. Defaults to ~/.wot/
    --listen=<listen>       Listen address. Overrides the config file.
    -v...                   Enable verbose mode.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WotdVersion)
	if err != nil {
		panic(err)
	}

	if verboseCount, err := opts.Int("-v"); err == nil && 0 < verboseCount {
		flag.Set("logtostderr", "true")
		flag.Set("stderrthreshold", "INFO")
		flag.Set("v", fmt.Sprintf("%d", verboseCount))
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

// initConfig sets up the viper config object, creating the root
// directory and a default config file on first run
func initConfig(opts docopt.Opts, config *viper.Viper) {
	if rootDir, err := opts.String("--root_dir"); err == nil {
		config.SetDefault("rootDir", rootDir)
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			Err.Fatalf("home dir: %s", err)
		}
		config.SetDefault("rootDir", homeDir+"/.wot/")
	}
	if _, err := os.Stat(config.GetString("rootDir")); os.IsNotExist(err) {
		if err := os.MkdirAll(config.GetString("rootDir"), 0755); err != nil {
			Err.Fatalf("root dir: %s", err)
		}
	}
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	if err := config.ReadInConfig(); err != nil {
		glog.V(1).Infof("[wotd]no config file, using defaults (%s)\n", err)
	}
	config.SetDefault("listen", "127.0.0.1:8053")
	config.SetDefault("dbFile", "wot.db")
	config.SetDefault("jwtSecret", "")
	config.SetDefault("verifyIncremental", false)
	if listen, err := opts.String("--listen"); err == nil {
		config.Set("listen", listen)
	}
	if err := config.SafeWriteConfig(); err != nil {
		glog.V(2).Infof("[wotd]config write: %s\n", err)
	}
}

func serve(opts docopt.Opts) {
	config := viper.New()
	initConfig(opts, config)

	jwtSecret := []byte(config.GetString("jwtSecret"))
	if len(jwtSecret) == 0 {
		Err.Fatal("jwtSecret must be set in config.yaml")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlite, err := persist.NewSQLiteStore(config.GetString("rootDir") + config.GetString("dbFile"))
	if err != nil {
		Err.Fatalf("open db: %s", err)
	}
	defer sqlite.Close()

	store := wot.NewTrustGraphStore(sqlite)
	if err := store.Hydrate(); err != nil {
		Err.Fatalf("hydrate: %s", err)
	}

	settings := wot.DefaultScoreEngineSettings()
	settings.VerifyIncremental = config.GetBool("verifyIncremental")
	engine := wot.NewEngine(store, &logFetchPipeline{}, settings)

	// scores may be stale if the previous run was interrupted mid batch
	corrections, err := engine.ComputeAllScores()
	if err != nil {
		Err.Fatalf("initial score computation: %s", err)
	}
	if 0 < corrections {
		glog.Infof("[wotd]startup recompute corrected %d scores\n", corrections)
	}

	manager := wot.NewSubscriptionManager(store)
	transport := wot.NewWebsocketTransportWithDefaults(cancelCtx, manager, jwtSecret)
	defer transport.Close()
	deliveryJob := wot.NewDeliveryJobWithDefaults(cancelCtx, manager, transport)
	defer deliveryJob.Close()

	api := wot.NewApi(engine, manager)
	mux := api.Router()
	mux.Handle("/subscribe", transport)

	server := &http.Server{
		Addr:    config.GetString("listen"),
		Handler: mux,
	}
	go func() {
		glog.Infof("[wotd]listening on %s\n", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Fatalf("serve: %s", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	glog.Infof("[wotd]shutting down\n")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	cancel()
}

// logFetchPipeline stands in for the network fetcher, which runs out of
// process. It records the fetch decisions so an external fetcher can be
// driven off the log
type logFetchPipeline struct {
}

func (self *logFetchPipeline) RequestFetch(id wot.Id) {
	glog.Infof("[fetch]request %s\n", id)
}

func (self *logFetchPipeline) CancelFetch(id wot.Id) {
	glog.Infof("[fetch]cancel %s\n", id)
}

func (self *logFetchPipeline) RequestRefetchCurrentEdition(id wot.Id) {
	glog.Infof("[fetch]refetch %s\n", id)
}
