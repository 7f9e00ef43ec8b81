package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"peershare/internal/autodl"
	"peershare/internal/config"
	"peershare/internal/discovery"
	"peershare/internal/downloads"
	"peershare/internal/events"
	"peershare/internal/fileindex"
	"peershare/internal/httpapi"
	"peershare/internal/janitor"
	"peershare/internal/metrics"
	"peershare/internal/middleware"
	"peershare/internal/peerclient"
	"peershare/internal/settings"
	"peershare/internal/store"
	"peershare/internal/watch"
)

func mustOpenDB(ctx context.Context) *sql.DB {
	db, err := store.Open(ctx, config.LedgerDSN())
	if err != nil {
		log.Fatalf("[db] %v", err)
	}
	return db
}

// seedSettings writes first-run values; later edits come from PUT /settings.
func seedSettings(ctx context.Context, st *settings.Store) httpapi.Device {
	id := config.DeviceID()
	if id == "" {
		id = uuid.NewString()
	}
	defaults := map[string]string{
		settings.KeyDeviceID:               id,
		settings.KeyDeviceName:             config.DeviceName(),
		settings.KeyRetentionDays:          strconv.FormatInt(config.RetentionDays(), 10),
		settings.KeyMaxConcurrentDownloads: strconv.FormatInt(config.MaxConcurrentDownloads(), 10),
		settings.KeyAutoDownloadEnabled:    strconv.FormatBool(config.AutoDownload()),
	}
	for k, v := range defaults {
		if err := st.SetDefault(ctx, k, v); err != nil {
			log.Fatalf("[db] seed setting %s: %v", k, err)
		}
	}
	return httpapi.Device{
		ID:       st.String(ctx, settings.KeyDeviceID, id),
		Name:     st.String(ctx, settings.KeyDeviceName, config.DeviceName()),
		Platform: config.Platform(),
		Version:  config.ProtocolVersion,
	}
}

func main() {
	_ = godotenv.Load(".env")

	// initialize config & logging
	config.Load()
	filter := config.SetupLogging()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := mustOpenDB(rootCtx)
	defer db.Close()

	st := settings.NewStore(db)
	folders := settings.NewFolders(db)
	device := seedSettings(rootCtx, st)
	if n, err := folders.Seed(rootCtx, config.SharedFoldersFile()); err != nil {
		log.Printf("[files] seed %s: %v", config.SharedFoldersFile(), err)
	} else if n > 0 {
		log.Printf("[files] seeded %d shared folder(s) from %s", n, config.SharedFoldersFile())
	}

	// discovery
	var (
		adv      discovery.Advertiser
		br       discovery.Browser
		resolver discovery.HostResolver
	)
	if !config.DiscoveryDisabled() {
		z := discovery.Zeroconf{}
		mres := &discovery.MDNSResolver{}
		defer mres.Close()
		adv, br, resolver = z, z, mres
	} else {
		log.Printf("[discovery] disabled")
	}
	disc := discovery.New(discovery.Config{
		DeviceID:       device.ID,
		DeviceName:     device.Name,
		Platform:       device.Platform,
		Version:        device.Version,
		Port:           config.ListenPort(),
		Service:        config.DiscoveryService(),
		Liveness:       config.DiscoveryLiveness(),
		BrowseInterval: config.DiscoveryBrowseInterval(),
		EncodeName:     config.DiscoveryEncodeName(),
	}, adv, br, resolver)

	// downloads, auto-download, expiry, playback leases
	client := peerclient.New(config.PeerHTTPTimeout())
	ledger := downloads.NewStore(db)
	mgr := downloads.NewManager(ledger, disc, client, st, events.NewBroadcaster(), downloads.Options{
		Dir:              config.DownloadDir(),
		MaxConcurrent:    int(config.MaxConcurrentDownloads()),
		RetentionDays:    int(config.RetentionDays()),
		ProgressInterval: config.ProgressInterval(),
	})
	engine := autodl.New(disc, client, mgr, st, int(config.AutoDownloadNext()))
	jan := janitor.New(ledger, mgr.Forget, config.ExpiryInterval())
	leases := watch.NewManager(
		config.WatchStaleAfter(),   // staleAfter
		config.WatchStaleAfter()/3, // ticker
		func(k watch.Key) error {
			if _, err := disc.Peer(rootCtx, k.PeerID); err != nil {
				return err
			}
			engine.Trigger(k.PeerID, k.FileID)
			return nil
		},
		func(k watch.Key) { engine.Forget(k.PeerID, k.FileID) },
	)

	// http mux & routes
	mux := http.NewServeMux()
	(&httpapi.Serving{Index: fileindex.New(), Folders: folders, Device: device}).RegisterRoutes(mux)
	(&httpapi.Control{
		Peers:     disc,
		Downloads: mgr,
		Auto:      engine,
		Expiry:    jan,
		Settings:  st,
		Watch:     leases,
	}).RegisterRoutes(mux)

	addr := config.ListenAddr()
	shared, _ := folders.Enabled(rootCtx)
	log.Printf("[boot] peershare %q (%s) listening on %s shared=%d downloads=%s",
		device.Name, device.ID, addr, len(shared), config.DownloadDir())

	srv := &http.Server{
		Addr:              addr,
		Handler:           middleware.Recover(middleware.CORS(middleware.Logging(metrics.Middleware(mux)))),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(log.Writer(), "[http] ", 0),
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { filter.Run(ctx, time.Minute); return nil })
	g.Go(func() error { return disc.Run(ctx) })
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("[download] %v", err)
	}
	g.Go(func() error { jan.Run(ctx); return nil })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("[boot] shutdown requested")

		// graceful shutdown window
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		leases.Shutdown()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[boot] %v", err)
	}
	mgr.Wait()
	active, queued := mgr.ActiveCount()
	log.Printf("[boot] shutdown complete (%d interrupted, %d queued)", active, queued)
}
