package downloader

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/history"
	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
	"github.com/technosupport/protect-downloader/internal/nvr"
	"github.com/technosupport/protect-downloader/internal/nvr/protect"
	"github.com/technosupport/protect-downloader/internal/platform/paths"
	"github.com/technosupport/protect-downloader/internal/state"
)

// MaxChunk is the longest range requested in a single export.
const MaxChunk = 10 * time.Minute

var ErrNotEnded = errors.New("motion event has no end")

// Exporter is the part of the Protect client the downloader needs.
type Exporter interface {
	Camera(id string) (protect.Camera, bool)
	ExportVideo(ctx context.Context, cameraID string, start, end nvr.Timestamp, filename string) (io.ReadCloser, error)
}

type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

type VideoConfig struct {
	Root        string
	PaddingPre  time.Duration
	PaddingPost time.Duration
	MaxChunk    time.Duration
}

// VideoDownloader exports the footage of a motion interval and writes it
// below Root, one file per chunk.
type VideoDownloader struct {
	exp     Exporter
	ledger  state.Ledger
	history HistoryRecorder
	cfg     VideoConfig
	log     logrus.FieldLogger
}

// NewVideoDownloader wires the exporter to the file sink. ledger and
// recorder may be nil.
func NewVideoDownloader(exp Exporter, ledger state.Ledger, recorder HistoryRecorder, cfg VideoConfig, logger logrus.FieldLogger) *VideoDownloader {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = MaxChunk
	}
	if cfg.Root == "" {
		cfg.Root = paths.DefaultDownloadRoot
	}
	return &VideoDownloader{
		exp:     exp,
		ledger:  ledger,
		history: recorder,
		cfg:     cfg,
		log:     logging.Component(logger, "video_downloader"),
	}
}

// Chunk is one export request.
type Chunk struct {
	Start nvr.Timestamp
	End   nvr.Timestamp
}

// SplitRange cuts [start, end) into consecutive chunks no longer than max.
func SplitRange(start, end nvr.Timestamp, max time.Duration) []Chunk {
	if end <= start {
		return nil
	}
	step := nvr.Timestamp(max.Milliseconds())
	if step <= 0 {
		return []Chunk{{Start: start, End: end}}
	}
	var chunks []Chunk
	for s := start; s < end; s += step {
		e := s + step
		if e > end {
			e = end
		}
		chunks = append(chunks, Chunk{Start: s, End: e})
	}
	return chunks
}

// PaddedRange widens the motion interval by the configured padding.
func (d *VideoDownloader) PaddedRange(ev nvr.MotionEvent) (nvr.Timestamp, nvr.Timestamp) {
	start := ev.Start - nvr.Timestamp(d.cfg.PaddingPre.Milliseconds())
	if start < 0 {
		start = 0
	}
	return start, ev.End + nvr.Timestamp(d.cfg.PaddingPost.Milliseconds())
}

func (d *VideoDownloader) Download(ctx context.Context, ev nvr.MotionEvent) error {
	if !ev.Ended() {
		return ErrNotEnded
	}

	camera, ok := d.exp.Camera(ev.Camera)
	if !ok {
		d.log.WithField("camera", ev.Camera).Error("Encountered unknown camera id, unable to download video")
		return nil
	}

	start, end := d.PaddedRange(ev)
	chunks := SplitRange(start, end, d.cfg.MaxChunk)
	log := d.log.WithFields(logrus.Fields{"camera": camera.Name, "chunks": len(chunks)})
	log.Infof("Downloading video with length: %d seconds", int64(end-start)/1000)

	for _, c := range chunks {
		if err := d.downloadChunk(ctx, camera, ev.Type, c); err != nil {
			return err
		}
	}
	return nil
}

func (d *VideoDownloader) downloadChunk(ctx context.Context, camera protect.Camera, motionType nvr.MotionType, c Chunk) error {
	key := state.ClipKey(camera.ID, int64(c.Start), int64(c.End))
	entry := history.Entry{
		CameraID:   camera.ID,
		CameraName: camera.Name,
		MotionType: string(motionType),
		StartMs:    int64(c.Start),
		EndMs:      int64(c.End),
	}

	if d.ledger != nil {
		done, err := d.ledger.Done(ctx, key)
		if err != nil {
			d.log.WithError(err).Warn("Clip ledger unavailable, downloading anyway")
		}
		if done {
			d.log.WithField("clip", key).Info("Clip already downloaded, skipping")
			entry.Status = history.StatusSkipped
			d.record(ctx, entry)
			return nil
		}
	}

	dir, name, err := paths.ClipLocation(d.cfg.Root, camera.Name, c.Start.Time())
	if err != nil {
		return err
	}
	entry.FilePath = filepath.Join(dir, name)

	n, err := d.export(ctx, camera.ID, c, dir, name)
	entry.Bytes = n
	if err != nil {
		entry.Status = history.StatusFailed
		entry.Error = err.Error()
		d.record(ctx, entry)
		return err
	}

	metrics.DownloadBytesTotal.Add(float64(n))
	d.log.WithFields(logrus.Fields{"file": entry.FilePath, "bytes": n}).Info("Clip saved")

	if d.ledger != nil {
		if err := d.ledger.MarkDone(ctx, key); err != nil {
			d.log.WithError(err).Warn("Failed to record clip in ledger")
		}
	}
	entry.Status = history.StatusCompleted
	d.record(ctx, entry)
	return nil
}

func (d *VideoDownloader) export(ctx context.Context, cameraID string, c Chunk, dir, name string) (int64, error) {
	body, err := d.exp.ExportVideo(ctx, cameraID, c.Start, c.End, name)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return paths.WriteAtomic(dir, name, body)
}

func (d *VideoDownloader) record(ctx context.Context, e history.Entry) {
	if d.history == nil {
		return
	}
	if err := d.history.Record(ctx, e); err != nil {
		d.log.WithError(err).Warn("Failed to record download history")
	}
}
