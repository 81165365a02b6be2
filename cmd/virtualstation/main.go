package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/kernel-images/server/cmd/config"
	"github.com/onkernel/kernel-images/server/lib/devtoolsproxy"
	"github.com/onkernel/kernel-images/server/lib/extinstall"
	"github.com/onkernel/kernel-images/server/lib/fspipe/daemon"
	"github.com/onkernel/kernel-images/server/lib/fspipe/health"
	"github.com/onkernel/kernel-images/server/lib/fspipe/transport"
	"github.com/onkernel/kernel-images/server/lib/logger"
	"github.com/onkernel/kernel-images/server/lib/scaletozero"
	"github.com/onkernel/kernel-images/server/lib/virtualinputs"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mustFFmpeg(cfg.PathToFFmpeg)

	stz := scaletozero.NewDebouncedController(scaletozero.NewUnikraftCloudController())

	const chromiumLogPath = "/var/log/supervisord/chromium"
	upstreamMgr := devtoolsproxy.NewUpstreamManager(chromiumLogPath, slogger)
	upstreamMgr.Start(ctx)
	if _, err := upstreamMgr.WaitForInitial(10 * time.Second); err != nil {
		slogger.Error("devtools upstream not available", "err", err)
		os.Exit(1)
	}

	inputsMgr := virtualinputs.NewManager(
		cfg.PathToFFmpeg,
		cfg.VirtualVideoDevice,
		cfg.VirtualAudioSink,
		cfg.VirtualMicrophoneSource,
		cfg.VirtualInputWidth,
		cfg.VirtualInputHeight,
		cfg.VirtualInputFrameRate,
		stz,
	)
	webrtcIngestor := virtualinputs.NewWebRTCIngestor()

	extInstallCfg := extinstall.DefaultConfig()
	extInstallCfg.ChromiumBinaryPath = cfg.ChromiumBinaryPath
	extInstallCfg.ChromiumUser = cfg.ChromiumUser
	extInstallCfg.RepoDir = cfg.ExtensionRepoDir
	extInstallCfg.PublicBaseURL = cfg.ExtensionRepoPublicURL
	extInstallCfg.PolicyDir = cfg.ExtensionPolicyDir
	extInstallCfg.KeyStoreDir = cfg.ExtensionKeyStoreDir
	extInstallCfg.ProfileExtensionsDir = cfg.ExtensionProfileExtDir
	installer := extinstall.New(extInstallCfg, upstreamMgr, restartChromium, slogger)

	fuseServer, fspipeClient, err := mountFSPipe(cfg, slogger)
	if err != nil {
		slogger.Error("failed to start fspipe producer", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
		scaletozero.Middleware(stz),
	)

	h := &handlers{
		log:       slogger,
		installer: installer,
		inputs:    inputsMgr,
		webrtc:    webrtcIngestor,
	}
	r.Post("/browser/extension/add/unpacked", h.addUnpackedExtension)
	r.Get("/extrepo/*", extinstall.ServeRepo(cfg.ExtensionRepoDir).ServeHTTP)
	r.Post("/virtualinputs/configure", h.virtualInputsConfigure)
	r.Post("/virtualinputs/pause", h.virtualInputsPause)
	r.Post("/virtualinputs/resume", h.virtualInputsResume)
	r.Post("/virtualinputs/stop", h.virtualInputsStop)
	r.Get("/virtualinputs/status", h.virtualInputsStatus)
	r.Post("/virtualinputs/webrtc/offer", h.virtualInputsWebRTCOffer)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	rDevtools := chi.NewRouter()
	rDevtools.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
		scaletozero.Middleware(stz),
	)
	rDevtools.Get("/json/version", devtoolsproxy.JSONVersionHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/json/version/", devtoolsproxy.JSONVersionHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/json", devtoolsproxy.JSONTargetsHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/json/", devtoolsproxy.JSONTargetsHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/json/list", devtoolsproxy.JSONTargetsHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/json/list/", devtoolsproxy.JSONTargetsHandler(upstreamMgr).ServeHTTP)
	rDevtools.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		devtoolsproxy.WebSocketProxyHandler(upstreamMgr, slogger, cfg.LogCDPMessages, stz).ServeHTTP(w, r)
	})

	srvDevtools := &http.Server{
		Addr:    "0.0.0.0:9222",
		Handler: rDevtools,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()
	go func() {
		slogger.Info("devtools websocket proxy starting", "addr", srvDevtools.Addr)
		if err := srvDevtools.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("devtools websocket proxy failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	g, _ := errgroup.WithContext(shutdownCtx)

	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		upstreamMgr.Stop()
		return srvDevtools.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if fuseServer != nil {
			if err := fuseServer.Unmount(); err != nil {
				slogger.Warn("failed to unmount fspipe filesystem", "err", err)
			}
		}
		if fspipeClient != nil {
			return fspipeClient.Close()
		}
		return nil
	})
	g.Go(func() error {
		_, err := inputsMgr.Stop(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

// mountFSPipe builds the configured Transport backend and mounts the FUSE producer at
// cfg.FSPipeMountpoint. A nil fuse.Server/Transport pair is never returned on success.
func mountFSPipe(cfg *config.Config, log *slog.Logger) (*fuse.Server, transport.Transport, error) {
	if err := os.MkdirAll(cfg.FSPipeMountpoint, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create fspipe mountpoint: %w", err)
	}

	var client transport.Transport
	var err error
	switch cfg.FSPipeMode {
	case "tcp":
		client, err = transport.NewTransport("tcp://"+cfg.FSPipeAddr, transport.DefaultClientConfig())
	case "ws":
		client, err = transport.NewTransport("ws://"+cfg.FSPipeAddr, transport.DefaultClientConfig())
	case "s3":
		client, err = transport.NewS3Client(transport.S3Config{
			Endpoint:        cfg.FSPipeS3Endpoint,
			Bucket:          cfg.FSPipeS3Bucket,
			AccessKeyID:     cfg.FSPipeS3AccessKeyID,
			SecretAccessKey: cfg.FSPipeS3SecretKey,
			Region:          cfg.FSPipeS3Region,
			Prefix:          cfg.FSPipeS3Prefix,
		})
	default:
		return nil, nil, fmt.Errorf("unsupported FSPIPE_MODE: %s", cfg.FSPipeMode)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build fspipe transport: %w", err)
	}

	if err := client.Connect(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect fspipe transport: %w", err)
	}

	fuseServer, err := daemon.Mount(cfg.FSPipeMountpoint, client, cfg.FSPipeCompressWrites)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("mount fspipe filesystem: %w", err)
	}

	healthServer := health.NewServer(":8090")
	healthServer.RegisterCheck("fspipe-transport", func() (health.Status, string) {
		switch client.State() {
		case transport.StateConnected:
			return health.StatusHealthy, "connected"
		case transport.StateReconnecting:
			return health.StatusDegraded, "reconnecting"
		default:
			return health.StatusUnhealthy, client.State().String()
		}
	})
	if err := healthServer.Start(); err != nil {
		log.Warn("failed to start fspipe health server", "err", err)
	}

	log.Info("fspipe producer mounted", "mountpoint", cfg.FSPipeMountpoint, "mode", cfg.FSPipeMode)
	return fuseServer, client, nil
}

// restartChromium triggers a Chromium restart via supervisorctl. It returns once the
// restart command has been issued; callers wait for DevTools readiness themselves.
func restartChromium(ctx context.Context) error {
	cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 1*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "supervisorctl", "-c", "/etc/supervisor/supervisord.conf", "restart", "chromium").CombinedOutput()
	if err != nil {
		return fmt.Errorf("supervisorctl restart failed: %w: %s", err, out)
	}
	return nil
}

func mustFFmpeg(ffmpegPath string) {
	cmd := exec.Command(ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		panic(fmt.Errorf("ffmpeg not found or not executable: %w", err))
	}
}
