package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/dicom"
	"github.com/llob/dicom-loadbalancer/dicom/tag"
	"github.com/llob/dicom-loadbalancer/routable"
)

// LocalStorageWorker writes accepted instances to a local directory, one
// file per SOP Instance UID. Writes are idempotent: if the destination file
// already exists, the instance is skipped rather than overwritten.
type LocalStorageWorker struct {
	id        string
	outputDir string
	queue     chan routable.Routable
	logger    *log.Logger
}

// NewLocalStorageWorker creates a LocalStorageWorker. outputDirPath may
// contain the literal substring "%id%", which is replaced with id once at
// construction; the resolved directory must already exist, mirroring the
// reference implementation's fail-fast behavior rather than failing on
// first write.
func NewLocalStorageWorker(id, outputDirPath string, queueSize int, logger *log.Logger) (*LocalStorageWorker, error) {
	outputDir := strings.ReplaceAll(outputDirPath, "%id%", id)

	info, err := os.Stat(outputDir)
	if err != nil {
		return nil, fmt.Errorf("local storage worker %s: output directory: %w", id, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local storage worker %s: %s is not a directory", id, outputDir)
	}

	return &LocalStorageWorker{
		id:        id,
		outputDir: outputDir,
		queue:     make(chan routable.Routable, queueSize),
		logger:    logger,
	}, nil
}

// ID implements Worker.
func (w *LocalStorageWorker) ID() string { return w.id }

// Process implements Worker. Enqueue is non-blocking; a full queue drops
// the routable and logs a warning rather than stalling the caller.
func (w *LocalStorageWorker) Process(r routable.Routable) {
	select {
	case w.queue <- r:
	default:
		w.logger.Warn("dropping routable, worker queue full", "worker", w.id)
	}
}

// Run implements Worker. It drains the queue until ctx is cancelled,
// writing each routable to disk and logging, never retrying, any failure.
func (w *LocalStorageWorker) Run(ctx context.Context) {
	w.logger.Info("starting local storage worker", "worker", w.id, "dir", w.outputDir)

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.queue:
			w.write(r)
		}
	}
}

func (w *LocalStorageWorker) write(r routable.Routable) {
	elem, err := r.Dataset().Get(tag.SOPInstanceUID)
	if err != nil {
		w.logger.Warn("dropping instance missing SOP instance UID", "worker", w.id)
		return
	}

	sopInstanceUID := elem.Value().String()
	path := filepath.Join(w.outputDir, sopInstanceUID+".dcm")

	if _, err := os.Stat(path); err == nil {
		w.logger.Debug("instance already present, skipping", "worker", w.id, "path", path)
		return
	}

	if err := dicom.WriteFile(path, r.Dataset()); err != nil {
		w.logger.Error("failed to write instance", "worker", w.id, "path", path, "err", err)
		return
	}

	w.logger.Debug("wrote instance", "worker", w.id, "path", path)
}
