// Command hearthcore-server runs the chat/voip relay: the TCP control
// listener, the optional UDP voice/image relay, the optional admin HTTP
// API, and the ambient SQLite store backing settings, bans, and the audit
// log.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hearthcore/internal/broker"
	"hearthcore/internal/config"
	"hearthcore/internal/content"
	"hearthcore/internal/control"
	"hearthcore/internal/httpapi"
	"hearthcore/internal/protocol"
	"hearthcore/internal/recording"
	"hearthcore/internal/store"
	"hearthcore/internal/tlsutil"
	"hearthcore/internal/voip"
	"hearthcore/internal/wire"
)

func main() {
	configPath := ""
	for i, a := range os.Args[1:] {
		if a == "-config" && i+1 < len(os.Args[1:]) {
			configPath = os.Args[i+2]
		}
	}

	cfg, err := config.Load(configPath, trimConfigFlag(os.Args[1:]))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// trimConfigFlag strips every "-config <path>" pair so ParseFlags
// doesn't choke on an unregistered flag; main() itself consumes it above.
func trimConfigFlag(args []string) []string {
	out := args[:0:0]
	for i := 0; i < len(args); i++ {
		if args[i] == "-config" {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func run(cfg config.Config) error {
	slog.Info("hearthcore: starting", "addr", cfg.Addr, "api_addr", cfg.APIAddr)

	ambientStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer ambientStore.Close()

	stores := content.NewStores("")

	passwordHash := ""
	if cfg.Password != "" {
		passwordHash = wire.HashPassword(cfg.Password)
	}
	b, err := broker.New(passwordHash, stores)
	if err != nil {
		return err
	}
	b.SetOnAudit(func(action, actorUUID, detail string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ambientStore.AppendAudit(ctx, store.AuditEntry{
			Timestamp: time.Now().UTC(), ActorUUID: actorUUID, Action: action, Detail: detail,
		}); err != nil {
			slog.Warn("audit: append failed", "error", err)
		}
	})

	loadBans(context.Background(), ambientStore, b)
	loadProfiles(context.Background(), ambientStore, b)
	b.SetOnProfileSave(func(uuid string, profile protocol.Profile) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ambientStore.SaveProfile(ctx, uuid, profile); err != nil {
			slog.Warn("profile: save failed", "uuid", uuid, "error", err)
		}
	})

	tlsConfig, fingerprint, err := tlsutil.GenerateConfig(cfg.CertValidity, "hearthcore")
	if err != nil {
		return err
	}
	slog.Info("hearthcore: tls certificate generated", "fingerprint", fingerprint)

	rawLn, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	tlsLn := tls.NewListener(rawLn, tlsConfig)

	controlSrv := control.New(tlsLn, b, control.Limits{
		MaxConnections: cfg.MaxConnections,
		PerIPLimit:     cfg.PerIPLimit,
		IdleTimeout:    cfg.IdleTimeout,
	})

	udpConn, err := voip.BindSharedPort(cfg.Addr)
	if err != nil {
		slog.Warn("hearthcore: voip relay disabled, could not bind shared udp port", "error", err)
	} else {
		relay := voip.NewRelay(udpConn, b.DecryptionKey(), cfg.VoipLoopback)
		b.SetVoipRelay(relay)
		defer relay.Close()

		if cfg.RecordingsDir != "" {
			rec, err := recording.New(cfg.RecordingsDir)
			if err != nil {
				slog.Warn("hearthcore: recording disabled", "error", err)
			} else {
				relay.SetRecordingHook(func(senderUUID string, audio []byte) {
					if err := rec.Write(senderUUID, audio); err != nil {
						slog.Debug("recording: write failed", "error", err)
					}
				})
				defer rec.Close()
			}
		}
	}

	ctxRoot, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxRoot.Done():
				return
			case <-ticker.C:
				b.PollBans()
			}
		}
	}()

	go func() {
		if err := controlSrv.Serve(); err != nil {
			slog.Error("control: serve exited", "error", err)
		}
	}()

	var apiServer *httpapi.Server
	if cfg.APIAddr != "" {
		apiServer = httpapi.New(b, ambientStore)
		go func() {
			if err := apiServer.Serve(ctxRoot, cfg.APIAddr); err != nil {
				slog.Error("httpapi: serve exited", "error", err)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("hearthcore: shutting down")
	cancel()
	return tlsLn.Close()
}

// loadBans primes the broker's in-memory ban set from the ambient store at
// startup, since bans persist across restarts but live-lookup happens
// entirely in memory during a run.
func loadBans(ctx context.Context, st *store.Store, b *broker.Broker) {
	uuids, err := st.BannedUUIDs(ctx)
	if err != nil {
		slog.Warn("hearthcore: failed to load persisted bans", "error", err)
		return
	}
	for _, uuid := range uuids {
		b.Ban(uuid, "startup")
	}
}

// loadProfiles primes the broker's in-memory profile cache from the
// ambient store at startup, so a reconnecting client's profile survives a
// server restart even though the message log does not.
func loadProfiles(ctx context.Context, st *store.Store, b *broker.Broker) {
	profiles, err := st.Profiles(ctx)
	if err != nil {
		slog.Warn("hearthcore: failed to load persisted profiles", "error", err)
		return
	}
	for uuid, profile := range profiles {
		b.SeedProfile(uuid, profile)
	}
}
