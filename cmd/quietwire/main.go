package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"

	qwconfig "github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/internal/e2ee/framecrypto"
	"github.com/quietwire/quietwire/internal/e2ee/identity"
	"github.com/quietwire/quietwire/internal/e2ee/keyexchange"
	"github.com/quietwire/quietwire/internal/e2ee/trust"
	"github.com/quietwire/quietwire/internal/relay"
	"github.com/quietwire/quietwire/pkg/profile"
)

func main() {
	exportPath := flag.String("export-identity", "", "export the identity to this file, passphrase-encrypted, then exit")
	importPath := flag.String("import-identity", "", "import a passphrase-encrypted identity from this file before connecting")
	passFile := flag.String("passphrase-file", "", "file holding the export/import passphrase")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[qwconfig.AgentConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	opts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("quietwire"),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	}
	if cfg.TrustBackend == "datastore" {
		opts = append(opts, frame.WithDatastore())
	}
	ctx, srv := frame.NewService(opts...)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	ids := identity.NewStore()
	if *importPath != "" {
		blob, err := os.ReadFile(*importPath)
		if err != nil {
			log.Fatalf("reading identity blob: %v", err)
		}
		if err := ids.ImportEncrypted(blob, readPassphrase(*passFile)); err != nil {
			log.Fatalf("importing identity: %v", err)
		}
	}
	if *exportPath != "" {
		pub, err := ids.PublicKey()
		if err != nil {
			log.Fatalf("generating identity: %v", err)
		}
		blob, err := ids.ExportEncrypted(readPassphrase(*passFile))
		if err != nil {
			log.Fatalf("exporting identity: %v", err)
		}
		if err := os.WriteFile(*exportPath, blob, 0o600); err != nil {
			log.Fatalf("writing identity blob: %v", err)
		}
		log.Printf("identity %s exported to %s", identity.Fingerprint(pub), *exportPath)
		return
	}

	loader := profile.NewLoader(cfg.ProfilePath)
	prof, err := loader.Load()
	if err != nil {
		log.Fatalf("loading profile: %v", err)
	}
	if cfg.ProfileHotReload {
		_ = pool.Submit(ctx, func() {
			if err := loader.WatchAndReload(ctx.Done()); err != nil {
				slog.WarnContext(ctx, "profile watch stopped", slog.String("error", err.Error()))
			}
		})
	}

	var pins trust.Store
	if cfg.TrustBackend == "datastore" {
		pins = trust.NewRepository(
			srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
		)
	} else {
		trustPath := prof.TrustPath
		if trustPath == "" {
			trustPath = "./pins.json"
		}
		fileStore, err := trust.NewFileStore(trustPath)
		if err != nil {
			log.Fatalf("opening trust store: %v", err)
		}
		_ = pool.Submit(ctx, func() {
			if err := fileStore.WatchAndReload(ctx.Done()); err != nil {
				slog.WarnContext(ctx, "pin watch stopped", slog.String("error", err.Error()))
			}
		})
		pins = fileStore
	}

	pub, err := ids.PublicKey()
	if err != nil {
		log.Fatalf("identity unavailable: %v", err)
	}
	slog.InfoContext(ctx, "local identity",
		slog.String("user", prof.UserID),
		slog.String("fingerprint", identity.Fingerprint(pub)))

	client, err := relay.DialWS(ctx, prof.ServerURL, prof.Channel, prof.UserID)
	if err != nil {
		log.Fatalf("connecting to relay: %v", err)
	}
	defer client.Close()

	sess, err := keyexchange.NewSession(keyexchange.Config{
		ServerID:   prof.ServerID,
		UserID:     prof.UserID,
		Channel:    prof.Channel,
		KeyTimeout: cfg.KeyTimeout(),
	}, ids, pins, client)
	if err != nil {
		log.Fatalf("creating session: %v", err)
	}
	defer sess.Reset()

	engine := framecrypto.NewEngine(pool)
	engine.Bind(sess)
	defer engine.Close()

	sess.OnKeyChanged(func(key []byte, epoch uint64) {
		if key == nil {
			slog.WarnContext(ctx, "channel key cleared, media fails closed")
			return
		}
		slog.InfoContext(ctx, "channel key established",
			slog.Uint64("epoch", epoch),
			slog.String("holder", sess.HolderID()))
	})

	if err := sess.Join(ctx); err != nil {
		log.Fatalf("joining channel: %v", err)
	}
	// Media never starts without an established key; on timeout the agent
	// aborts rather than sending anything in the clear.
	if err := sess.AwaitKey(ctx); err != nil {
		log.Fatalf("awaiting channel key: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv.Init(ctx, frame.WithHTTPHandler(mux))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}

// readPassphrase loads the passphrase from the given file, falling back
// to the QUIETWIRE_PASSPHRASE environment variable.
func readPassphrase(path string) string {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("reading passphrase file: %v", err)
		}
		return strings.TrimSpace(string(data))
	}
	pass := os.Getenv("QUIETWIRE_PASSPHRASE")
	if pass == "" {
		log.Fatal("no passphrase: use -passphrase-file or QUIETWIRE_PASSPHRASE")
	}
	return pass
}
