package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/applog"
	"github.com/surge-downloader/surge/internal/clipwatch"
	"github.com/surge-downloader/surge/internal/daemon"
	"github.com/surge-downloader/surge/internal/engine"
	"github.com/surge-downloader/surge/internal/helper"
	"github.com/surge-downloader/surge/internal/history"
	"github.com/surge-downloader/surge/internal/ingress"
	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/scheduler"
	"github.com/surge-downloader/surge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Surge engine as a background daemon with the local HTTP ingress",
	Long:  "serve starts the Download Engine, the bounded Queue Scheduler, and the token-authed loopback HTTP ingress used by the browser integration. Only one instance may run at a time.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "ingress port (0 = default 45678)")
	serveCmd.Flags().String("registry", "", "registry JSON path (default ~/.surge/registry.json)")
	serveCmd.Flags().String("history", "", "history sqlite path (default ~/.surge/history.db)")
	serveCmd.Flags().Int("max-concurrent", 3, "maximum simultaneously active downloads")
	serveCmd.Flags().Int("connections", 4, "default chunk count for new downloads")
	serveCmd.Flags().String("user-agent", "surgectl/"+Version, "User-Agent sent on every request")
	serveCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy URL")
	serveCmd.Flags().Bool("insecure-skip-tls-verify", false, "disable TLS certificate verification")
	serveCmd.Flags().Int64("bytes-per-second", 0, "global download speed cap (0 = unlimited)")
	serveCmd.Flags().Bool("sequential", false, "force single in-order chunk fetch for every download")
	serveCmd.Flags().Bool("clipboard-monitor", false, "watch the clipboard for downloadable URLs")
	serveCmd.Flags().String("video-helper-binary", "", "path to an external yt-dlp-compatible binary for out-of-scope video sites (§6.4)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := applog.For("serve")

	lock, isMaster, err := daemon.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring single-instance lock: %w", err)
	}
	if !isMaster {
		return fmt.Errorf("surgectl serve is already running; use 'surgectl add' to talk to it")
	}
	defer func() { _ = lock.Release() }()

	registryPath, _ := cmd.Flags().GetString("registry")
	if registryPath == "" {
		registryPath = daemon.DefaultRegistryPath()
	}
	historyPath, _ := cmd.Flags().GetString("history")
	if historyPath == "" {
		historyPath = daemon.DefaultHistoryPath()
	}

	st, err := store.Open(registryPath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	hist, err := history.Open(historyPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() { _ = hist.Close() }()

	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
	connections, _ := cmd.Flags().GetInt("connections")
	userAgent, _ := cmd.Flags().GetString("user-agent")
	proxyURL, _ := cmd.Flags().GetString("proxy")
	skipTLS, _ := cmd.Flags().GetBool("insecure-skip-tls-verify")
	bytesPerSecond, _ := cmd.Flags().GetInt64("bytes-per-second")
	sequential, _ := cmd.Flags().GetBool("sequential")
	clipboardMonitor, _ := cmd.Flags().GetBool("clipboard-monitor")
	videoHelperBinary, _ := cmd.Flags().GetString("video-helper-binary")

	eng := engine.New(st, engine.Config{
		MaxConnections:     connections,
		UserAgent:          userAgent,
		ProxyURL:           proxyURL,
		SkipTLSVerify:      skipTLS,
		BytesPerSecond:     bytesPerSecond,
		SequentialDownload: sequential,
	})

	if videoHelperBinary != "" {
		eng.SetHelper(helper.New(helper.DefaultSpawner(videoHelperBinary)))
	}

	ing := ingress.New(ingress.Config{
		Addr:    portFlagAddr(cmd),
		AppName: "surge",
		Version: Version,
	}, func(url, referer string, headers map[string]string) (int64, error) {
		rec, err := eng.Add(url, ".", referer, headers, nil)
		if err != nil {
			return 0, err
		}
		if err := eng.Start(rec.ID); err != nil {
			log.Warn().Err(err).Int64("id", rec.ID).Msg("queued download could not start immediately")
		}
		return rec.ID, nil
	}, func() any {
		return statusSnapshot(eng)
	})

	ing.SetControl(func(req ingress.ControlRequest) error {
		switch req.Action {
		case "pause":
			eng.Pause(req.ID)
		case "resume":
			return eng.Resume(req.ID)
		case "cancel":
			eng.Cancel(req.ID)
		case "remove":
			return eng.Remove(req.ID, req.DeleteFile)
		default:
			return fmt.Errorf("unknown control action %q", req.Action)
		}
		return nil
	})

	eng.OnComplete(func(rec *record.Record, outcome engine.Outcome) {
		status, eventType := "completed", "complete"
		if outcome == engine.OutcomeError {
			status, eventType = "error", "error"
		}
		entry := history.Entry{
			ID:           rec.ID,
			URL:          rec.URL(),
			Filename:     rec.Filename(),
			Category:     rec.Category(),
			Status:       status,
			TotalSize:    rec.TotalSize(),
			Downloaded:   rec.DownloadedSize(),
			ErrorMessage: rec.ErrorMessage(),
			FinishedAt:   time.Now(),
		}
		if err := hist.Record(context.Background(), entry); err != nil {
			log.Warn().Err(err).Int64("id", rec.ID).Msg("failed to persist history entry")
		}
		ing.Events().Publish(eventType, downloadSummary(rec))
		sched := globalScheduler
		if sched != nil {
			sched.ProcessQueue()
		}
	})

	sched := scheduler.New(eng, maxConcurrent)
	globalScheduler = sched
	defer func() { globalScheduler = nil }()
	sched.Run()
	defer sched.Stop()

	if clipboardMonitor {
		watcher := clipwatch.New(func(rawURL string) error {
			_, err := eng.Add(rawURL, ".", "", nil, nil)
			return err
		}, 0)
		ctx, cancel := context.WithCancel(context.Background())
		watcher.Start(ctx)
		defer cancel()
	}

	// Admit Queued records, including Queued ones loaded from a previous
	// run. Paused records (which include anything that was Downloading
	// when the previous run ended) are not auto-admitted: Resume is
	// user-directed (§4.6).
	eng.AdmitQueued(maxConcurrent)

	go func() {
		if err := ing.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("ingress stopped")
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for ing.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := daemon.SaveActivePort(mustParsePort(ing)); err != nil {
		log.Warn().Err(err).Msg("failed to persist active port")
	}
	defer daemon.RemoveActivePort()
	if err := daemon.SaveToken(ing.Token()); err != nil {
		log.Warn().Err(err).Msg("failed to persist token")
	}

	fmt.Printf("surgectl serve listening on %s\n", ing.Addr())
	fmt.Println("Press Ctrl+C to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	eng.CancelAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return ing.Shutdown(shutdownCtx)
}

// globalScheduler lets the Engine's completion callback, which is
// registered before the scheduler is constructed, re-trigger admission.
// The engine holds no reference to the scheduler; the scheduler sees the
// engine only through its own scheduler.Admitter interface.
var globalScheduler *scheduler.Scheduler

func portFlagAddr(cmd *cobra.Command) string {
	port, _ := cmd.Flags().GetInt("port")
	if port <= 0 {
		return ""
	}
	return "127.0.0.1:" + strconv.Itoa(port)
}

func mustParsePort(ing *ingress.Server) int {
	_, portStr, err := net.SplitHostPort(ing.Addr())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func statusSnapshot(eng *engine.Engine) map[string]any {
	recs := eng.Records()
	summaries := make([]map[string]any, 0, len(recs))
	var totalSpeed float64
	active := 0
	for _, rec := range recs {
		if rec.Status() == record.StatusDownloading {
			active++
			totalSpeed += rec.Speed()
		}
		summaries = append(summaries, downloadSummary(rec))
	}
	return map[string]any{
		"active":      active,
		"total_speed": totalSpeed,
		"downloads":   summaries,
	}
}

func downloadSummary(rec *record.Record) map[string]any {
	return map[string]any{
		"id":              rec.ID,
		"url":             rec.URL(),
		"filename":        rec.Filename(),
		"category":        rec.Category(),
		"status":          rec.Status(),
		"total_size":      rec.TotalSize(),
		"downloaded_size": rec.DownloadedSize(),
		"progress":        rec.Progress(),
		"speed":           rec.Speed(),
		"error_message":   rec.ErrorMessage(),
	}
}
