package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/drawsync/drawsync/collab"
	"github.com/drawsync/drawsync/hub"
	"github.com/drawsync/drawsync/sqlstore"
)

const DrawsyncdVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Drawsync board server.

Environment (also read from the --env file):
    DRAWSYNC_LISTEN        listen address (default :8090)
    DRAWSYNC_DB            sqlite database path (default drawsync.db)
    DRAWSYNC_TOKEN_SECRET  share token signing secret (empty disables token checks)
    DRAWSYNC_LOG_V         glog verbosity level (default 0)
    DRAWSYNC_LOG_DIR       glog output directory (default stderr)

Usage:
    drawsyncd serve [--listen=<addr>] [--db=<path>] [--token_secret=<secret>] [--env=<path>]
    drawsyncd mint-token --board=<board_id> [--token_secret=<secret>] [--ttl=<ttl>] [--env=<path>]
    drawsyncd guest-session

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --listen=<addr>            Listen address.
    --db=<path>                Sqlite database path.
    --token_secret=<secret>    Share token signing secret.
    --board=<board_id>         Board id to mint a share token for.
    --ttl=<ttl>                Share token lifetime, e.g. 720h. 0 means no expiry [default: 0].
    --env=<path>               Env file to load [default: .env].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DrawsyncdVersion)
	if err != nil {
		panic(err)
	}

	if envPath, _ := opts.String("--env"); envPath != "" {
		// missing env file is fine, the process env still applies
		godotenv.Load(envPath)
	}

	// docopt owns argv, so the glog flags are set from the environment
	// rather than parsed off the command line
	flag.Parse()
	if logDir := os.Getenv("DRAWSYNC_LOG_DIR"); logDir != "" {
		flag.Set("log_dir", logDir)
	} else {
		flag.Set("logtostderr", "true")
	}
	if v := os.Getenv("DRAWSYNC_LOG_V"); v != "" {
		flag.Set("v", v)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if guestSession_, _ := opts.Bool("guest-session"); guestSession_ {
		Out.Printf("%s\n", hub.NewGuestSessionId())
	}
}

func serve(opts docopt.Opts) {
	listen := stringOpt(opts, "--listen", "DRAWSYNC_LISTEN", ":8090")
	dbPath := stringOpt(opts, "--db", "DRAWSYNC_DB", "drawsync.db")
	tokenSecret := stringOpt(opts, "--token_secret", "DRAWSYNC_TOKEN_SECRET", "")

	store, err := sqlstore.New(dbPath)
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	defer store.Close()

	var tokens *hub.TokenIssuer
	if tokenSecret != "" {
		tokens = hub.NewTokenIssuer([]byte(tokenSecret), 0)
	} else {
		glog.Infof("[d]share token checks disabled\n")
	}

	ctx := context.Background()
	h := hub.NewHub(ctx, tokens, hub.DefaultHubSettings())
	defer h.Close()
	server := hub.NewServer(h, store)

	glog.Infof("[d]drawsyncd %s listening on %s (db %s)\n", DrawsyncdVersion, listen, dbPath)
	if err := http.ListenAndServe(listen, server.Handler()); err != nil {
		Err.Fatalf("listen: %s", err)
	}
}

func mintToken(opts docopt.Opts) {
	boardIdStr, _ := opts.String("--board")
	boardId, err := collab.ParseId(boardIdStr)
	if err != nil {
		Err.Fatalf("bad board id: %s", err)
	}
	tokenSecret := stringOpt(opts, "--token_secret", "DRAWSYNC_TOKEN_SECRET", "")
	if tokenSecret == "" {
		Err.Fatalf("a token secret is required to mint share tokens")
	}

	ttl := time.Duration(0)
	if ttlStr, _ := opts.String("--ttl"); ttlStr != "" && ttlStr != "0" {
		ttl, err = time.ParseDuration(ttlStr)
		if err != nil {
			Err.Fatalf("bad ttl: %s", err)
		}
	}

	tokens := hub.NewTokenIssuer([]byte(tokenSecret), ttl)
	shareToken, err := tokens.MintShareToken(boardId)
	if err != nil {
		Err.Fatalf("mint: %s", err)
	}
	Out.Printf("%s\n", shareToken)
}

func stringOpt(opts docopt.Opts, flagName string, envName string, defaultValue string) string {
	if value, err := opts.String(flagName); err == nil && value != "" {
		return value
	}
	if value := os.Getenv(envName); value != "" {
		return value
	}
	return defaultValue
}
