package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/protect-downloader/internal/history"
	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/nvr"
	"github.com/technosupport/protect-downloader/internal/nvr/protect"
	"github.com/technosupport/protect-downloader/internal/platform/paths"
	"github.com/technosupport/protect-downloader/internal/state"
)

type exportCall struct {
	camera     string
	start, end nvr.Timestamp
	filename   string
}

type fakeExporter struct {
	mu      sync.Mutex
	cameras map[string]protect.Camera
	calls   []exportCall
	err     error
}

func (f *fakeExporter) Camera(id string) (protect.Camera, bool) {
	c, ok := f.cameras[id]
	return c, ok
}

func (f *fakeExporter) ExportVideo(ctx context.Context, cameraID string, start, end nvr.Timestamp, filename string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exportCall{cameraID, start, end, filename})
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader("video-data")), nil
}

type fakeRecorder struct {
	entries []history.Entry
}

func (r *fakeRecorder) Record(ctx context.Context, e history.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newExporter() *fakeExporter {
	return &fakeExporter{cameras: map[string]protect.Camera{
		"cam-1": {ID: "cam-1", Name: "Garage"},
	}}
}

func TestSplitRange(t *testing.T) {
	minute := nvr.Timestamp(time.Minute.Milliseconds())

	assert.Nil(t, SplitRange(10, 10, MaxChunk))
	assert.Equal(t, []Chunk{{Start: 0, End: 5 * minute}}, SplitRange(0, 5*minute, MaxChunk))
	assert.Equal(t, []Chunk{{Start: 0, End: 10 * minute}}, SplitRange(0, 10*minute, MaxChunk))
	assert.Equal(t, []Chunk{
		{Start: 0, End: 10 * minute},
		{Start: 10 * minute, End: 20 * minute},
		{Start: 20 * minute, End: 25 * minute},
	}, SplitRange(0, 25*minute, MaxChunk))
}

func TestVideoDownloader_AppliesPaddingAndWritesClip(t *testing.T) {
	root := t.TempDir()
	exp := newExporter()
	rec := &fakeRecorder{}
	d := NewVideoDownloader(exp, state.NewMemoryLedger(time.Hour), rec, VideoConfig{
		Root:        root,
		PaddingPre:  2 * time.Second,
		PaddingPost: 3 * time.Second,
	}, logging.Discard())

	ev := nvr.MotionEvent{Camera: "cam-1", Start: 1_700_000_100_000, End: 1_700_000_160_000, Type: nvr.MotionSmart}
	require.NoError(t, d.Download(context.Background(), ev))

	require.Len(t, exp.calls, 1)
	call := exp.calls[0]
	assert.Equal(t, "cam-1", call.camera)
	assert.Equal(t, nvr.Timestamp(1_700_000_098_000), call.start)
	assert.Equal(t, nvr.Timestamp(1_700_000_163_000), call.end)

	dir, name, err := paths.ClipLocation(root, "Garage", call.start.Time())
	require.NoError(t, err)
	assert.Equal(t, name, call.filename)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "video-data", string(data))

	require.Len(t, rec.entries, 1)
	assert.Equal(t, history.StatusCompleted, rec.entries[0].Status)
	assert.Equal(t, "smart", rec.entries[0].MotionType)
	assert.Equal(t, int64(len("video-data")), rec.entries[0].Bytes)
}

func TestVideoDownloader_SplitsLongEvents(t *testing.T) {
	exp := newExporter()
	d := NewVideoDownloader(exp, nil, nil, VideoConfig{Root: t.TempDir()}, logging.Discard())

	start := nvr.Timestamp(1_700_000_000_000)
	ev := nvr.MotionEvent{Camera: "cam-1", Start: start, End: start + nvr.Timestamp((25 * time.Minute).Milliseconds())}
	require.NoError(t, d.Download(context.Background(), ev))

	require.Len(t, exp.calls, 3)
	assert.Equal(t, start, exp.calls[0].start)
	assert.Equal(t, exp.calls[0].end, exp.calls[1].start)
	assert.Equal(t, ev.End, exp.calls[2].end)
}

func TestVideoDownloader_SkipsClipsInLedger(t *testing.T) {
	exp := newExporter()
	rec := &fakeRecorder{}
	d := NewVideoDownloader(exp, state.NewMemoryLedger(time.Hour), rec, VideoConfig{Root: t.TempDir()}, logging.Discard())

	ev := nvr.MotionEvent{Camera: "cam-1", Start: 1_700_000_000_000, End: 1_700_000_030_000}
	require.NoError(t, d.Download(context.Background(), ev))
	require.NoError(t, d.Download(context.Background(), ev))

	assert.Len(t, exp.calls, 1)
	require.Len(t, rec.entries, 2)
	assert.Equal(t, history.StatusSkipped, rec.entries[1].Status)
}

func TestVideoDownloader_UnknownCamera(t *testing.T) {
	exp := newExporter()
	d := NewVideoDownloader(exp, nil, nil, VideoConfig{Root: t.TempDir()}, logging.Discard())

	err := d.Download(context.Background(), nvr.MotionEvent{Camera: "ghost", Start: 1000, End: 2000})
	assert.NoError(t, err)
	assert.Empty(t, exp.calls)
}

func TestVideoDownloader_RejectsOpenEvent(t *testing.T) {
	d := NewVideoDownloader(newExporter(), nil, nil, VideoConfig{Root: t.TempDir()}, logging.Discard())

	err := d.Download(context.Background(), nvr.MotionEvent{Camera: "cam-1", Start: 1000})
	assert.ErrorIs(t, err, ErrNotEnded)
}

func TestVideoDownloader_ExportFailure(t *testing.T) {
	exp := newExporter()
	exp.err = errors.New("export failed")
	ledger := state.NewMemoryLedger(time.Hour)
	rec := &fakeRecorder{}
	root := t.TempDir()
	d := NewVideoDownloader(exp, ledger, rec, VideoConfig{Root: root}, logging.Discard())

	ev := nvr.MotionEvent{Camera: "cam-1", Start: 1_700_000_000_000, End: 1_700_000_030_000}
	err := d.Download(context.Background(), ev)
	require.ErrorIs(t, err, exp.err)

	done, err := ledger.Done(context.Background(), state.ClipKey("cam-1", int64(ev.Start), int64(ev.End)))
	require.NoError(t, err)
	assert.False(t, done)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, history.StatusFailed, rec.entries[0].Status)
	assert.Equal(t, "export failed", rec.entries[0].Error)
}
