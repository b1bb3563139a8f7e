// Package scanner keeps the video catalog consistent with the filesystem:
// it walks the configured roots on a cron cadence, probes new or changed
// files, classifies them for transcoding, and tombstones rows whose file
// has disappeared.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/probe"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/robfig/cron/v3"
)

var log = logger.Get("Scanner")

// Files are committed in batches of this size to bound the duration of any
// single reconciliation transaction.
const scanBatchSize = 20

// A stored size within this many MB of the on-disk size counts as
// unchanged (container muxers can shuffle a few bytes without the video
// changing).
const sizeToleranceMb = 0.1

var videoExtensions = map[string]struct{}{
	".mp4": {},
	".mkv": {},
	".avi": {},
	".flv": {},
}

type (
	Store interface {
		MarkAllVideosMissing() error
		GetVideoByPath(path string) (*catalog.Video, error)
		ApplyScanBatch(catalog.ScanBatch) error
	}

	Prober interface {
		Probe(ctx context.Context, path string) (*probe.FileMetadata, error)
	}

	Config struct {
		// Roots are the absolute directories to walk.
		Roots []string
		// CronSpec is the scan cadence in cron notation.
		CronSpec string
		// ScanOnStartup runs one scan immediately when the service starts.
		ScanOnStartup bool
	}

	scannerService struct {
		config Config
		store  Store
		prober Prober
	}
)

// New validates the configured roots and constructs the scanner. Missing
// roots are tolerated with a warning; a configuration where every root is
// missing is fatal.
func New(config Config, store Store, prober Prober) (*scannerService, error) {
	if len(config.Roots) == 0 {
		return nil, errors.New("no scan roots configured")
	}

	valid := 0
	for _, root := range config.Roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			log.Warnf("Scan root %s does not exist, it will be skipped\n", root)
			continue
		}
		valid++
	}
	if valid == 0 {
		return nil, errors.New("none of the configured scan roots exist")
	}

	if config.CronSpec == "" {
		config.CronSpec = "5 * * * *"
	}

	return &scannerService{config: config, store: store, prober: prober}, nil
}

// Run schedules scans on the configured cron cadence until the context is
// cancelled. Overlapping runs are prevented by the cron scheduler running
// jobs sequentially per entry.
func (service *scannerService) Run(ctx context.Context) error {
	if service.config.ScanOnStartup {
		service.Scan(ctx)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(service.config.CronSpec, func() { service.Scan(ctx) }); err != nil {
		return fmt.Errorf("invalid scan cron spec %q: %w", service.config.CronSpec, err)
	}

	log.Emit(logger.NEW, "Scanner scheduled with cadence %q\n", service.config.CronSpec)
	scheduler.Start()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}

// Scan reconciles the catalog with the filesystem once. Rows not re-sighted
// during the walk remain tombstoned (exist=false) and are never handed to
// workers; they are kept for history rather than deleted.
func (service *scannerService) Scan(ctx context.Context) {
	log.Emit(logger.INFO, "Beginning catalog scan of %d root(s)\n", len(service.config.Roots))

	if err := service.store.MarkAllVideosMissing(); err != nil {
		log.Errorf("Failed to tombstone catalog ahead of scan: %v\n", err)
		return
	}

	batch := catalog.ScanBatch{}
	pending := 0
	flush := func() {
		if pending == 0 {
			return
		}
		if err := service.store.ApplyScanBatch(batch); err != nil {
			log.Errorf("Failed to commit scan batch: %v\n", err)
		}
		batch = catalog.ScanBatch{}
		pending = 0
	}

	for _, root := range service.config.Roots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				log.Warnf("Walk error under %s: %v\n", root, err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() || !isCandidateFile(entry.Name()) {
				return nil
			}

			info, err := entry.Info()
			if err != nil {
				log.Warnf("Failed to stat %s: %v\n", path, err)
				return nil
			}

			if service.reconcileFile(ctx, root, path, info, &batch) {
				pending++
			}
			if pending >= scanBatchSize {
				flush()
			}

			return nil
		})
		if err != nil {
			log.Warnf("Aborted walking root %s: %v\n", root, err)
		}
	}

	flush()
	log.Emit(logger.SUCCESS, "Catalog scan complete\n")
}

// reconcileFile decides what (if anything) the catalog needs for a single
// sighted file, appending the outcome to the current batch. Returns false
// when the file was skipped (probe failure, bad path key).
func (service *scannerService) reconcileFile(ctx context.Context, root string, path string, info fs.FileInfo, batch *catalog.ScanBatch) bool {
	key, err := PathKey(root, path)
	if err != nil {
		log.Warnf("Skipping %s: %v\n", path, err)
		return false
	}

	sizeMb := float64(info.Size()) / (1024 * 1024)
	mtime := info.ModTime()

	existing, err := service.store.GetVideoByPath(key)
	switch {
	case err == nil:
		if unchanged(existing, sizeMb, mtime) {
			batch.Seen = append(batch.Seen, existing.ID)
			return true
		}
		if existing.CurrentTaskID != nil {
			// The file is mid-transcode; re-probing now would clobber the
			// status its task owns. Mark it sighted and let a later scan
			// pick up the change once the task has released the row.
			batch.Seen = append(batch.Seen, existing.ID)
			return true
		}

		meta, err := service.prober.Probe(ctx, path)
		if err != nil {
			log.Warnf("Probe failed for changed file %s, skipping: %v\n", path, err)
			return false
		}

		refreshed := buildVideo(key, meta, sizeMb, mtime)
		refreshed.ID = existing.ID
		batch.Refreshes = append(batch.Refreshes, refreshed)
		log.Emit(logger.INFO, "Refreshed metadata for changed file %s\n", key)
		return true

	case errors.Is(err, catalog.ErrVideoNotFound):
		meta, err := service.prober.Probe(ctx, path)
		if err != nil {
			log.Warnf("Probe failed for new file %s, skipping: %v\n", path, err)
			return false
		}

		batch.Inserts = append(batch.Inserts, buildVideo(key, meta, sizeMb, mtime))
		log.Emit(logger.NEW, "Discovered new file %s\n", key)
		return true

	default:
		log.Errorf("Catalog lookup failed for %s: %v\n", key, err)
		return false
	}
}

// unchanged applies the cheap no-probe test: size within tolerance and the
// file not modified since the stored mtime.
func unchanged(existing *catalog.Video, sizeMb float64, mtime time.Time) bool {
	delta := existing.SizeMb - sizeMb
	if delta < 0 {
		delta = -delta
	}
	if delta > sizeToleranceMb {
		return false
	}

	return existing.FileMtime != nil && !mtime.After(*existing.FileMtime)
}

func buildVideo(key string, meta *probe.FileMetadata, sizeMb float64, mtime time.Time) *catalog.Video {
	return &catalog.Video{
		Path:            key,
		Codec:           meta.Codec,
		BitrateKbps:     meta.BitrateKbps,
		Width:           meta.Width,
		Height:          meta.Height,
		TotalPixels:     meta.Width * meta.Height,
		Fps:             meta.Fps,
		SizeMb:          sizeMb,
		IsVR:            meta.IsVR,
		FileMtime:       &mtime,
		Exists:          true,
		TranscodeStatus: Classify(meta),
	}
}

// isCandidateFile filters the walk down to video containers, excluding
// trailer files.
func isCandidateFile(name string) bool {
	if _, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
		return false
	}

	return !strings.Contains(strings.ToLower(name), "-trailer")
}
