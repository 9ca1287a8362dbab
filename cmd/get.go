package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/surge-downloader/surge/internal/engine"
	"github.com/surge-downloader/surge/internal/fileutil"
	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/store"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Download a single URL in the foreground",
	Long:  "get fetches url to disk without starting the daemon, rendering a live terminal progress bar, the CLI-progress-meter analogue of the teacher's bubbletea TUI for a one-shot foreground fetch.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringP("path", "p", ".", "directory to save the file in")
	getCmd.Flags().IntP("connections", "c", 4, "number of parallel chunk connections (1 = single stream)")
	getCmd.Flags().String("referer", "", "Referer header to send")
	getCmd.Flags().String("user-agent", "surgectl/"+Version, "User-Agent header to send")
	getCmd.Flags().Int64("bytes-per-second", 0, "speed cap in bytes/sec (0 = unlimited)")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	url := args[0]
	path, _ := cmd.Flags().GetString("path")
	connections, _ := cmd.Flags().GetInt("connections")
	referer, _ := cmd.Flags().GetString("referer")
	userAgent, _ := cmd.Flags().GetString("user-agent")
	bps, _ := cmd.Flags().GetInt64("bytes-per-second")

	// get is a one-shot run: its record is tracked in a scratch registry
	// under the OS temp dir rather than the daemon's shared
	// ~/.surge/registry.json, so a concurrent `surgectl serve` is never
	// disturbed by it.
	scratchDir, err := os.MkdirTemp("", "surgectl-get-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratchDir)

	scratchStore, err := store.Open(filepath.Join(scratchDir, "registry.json"))
	if err != nil {
		return err
	}

	eng := engine.New(scratchStore, engine.Config{
		MaxConnections: connections,
		UserAgent:      userAgent,
		BytesPerSecond: bps,
	})

	rec, err := eng.Add(url, path, referer, nil, nil)
	if err != nil {
		return fmt.Errorf("invalid download: %w", err)
	}

	done := make(chan struct{})
	var outcome engine.Outcome
	eng.OnComplete(func(_ *record.Record, o engine.Outcome) {
		outcome = o
		close(done)
	})

	if err := eng.Start(rec.ID); err != nil {
		return err
	}

	p := mpb.New(mpb.WithWidth(64))
	var bar *mpb.Bar
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			if bar != nil {
				bar.SetCurrent(rec.TotalSize())
			}
			p.Wait()
			if outcome == engine.OutcomeError {
				return fmt.Errorf("download failed: %s", rec.ErrorMessage())
			}
			fmt.Printf("Saved %s/%s (%s)\n", path, rec.Filename(), fileutil.HumanBytes(rec.TotalSize()))
			return nil
		case <-ticker.C:
			if bar == nil && rec.TotalSize() > 0 {
				bar = p.AddBar(rec.TotalSize(),
					mpb.PrependDecorators(
						decor.Name(rec.Filename()),
						decor.Percentage(decor.WCSyncSpace),
					),
					mpb.AppendDecorators(
						decor.EwmaETA(decor.ET_STYLE_GO, 90),
						decor.Name(" ] "),
						decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60),
					),
				)
			}
			if bar != nil {
				bar.SetCurrent(rec.DownloadedSize())
			}
		}
	}
}
