package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningpoem30/videoTranscoding/internal/transcoder"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// memStore is an in-memory ObjectStore
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte // bucket/key
	writes   []string          // keys in write order
	failPut  func(key string) bool
	failCopy func(key string) bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
}

func (m *memStore) DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	m.mu.Lock()
	data, ok := m.objects[bucket+"/"+key]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("NoSuchKey: %s/%s", bucket, key)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *memStore) UploadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	if m.failPut != nil && m.failPut(key) {
		return 0, errors.New("connection reset by peer")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.writes = append(m.writes, key)
	return int64(len(data)), nil
}

func (m *memStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	if m.failCopy != nil && m.failCopy(dstKey) {
		return errors.New("copy failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+srcKey]
	if !ok {
		return fmt.Errorf("NoSuchKey: %s", srcKey)
	}
	m.objects[bucket+"/"+dstKey] = data
	m.writes = append(m.writes, dstKey)
	return nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memStore) keys(bucket, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memStore) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

type fakeProber struct {
	info *transcoder.SourceInfo
	err  error
}

func (f *fakeProber) Probe(ctx context.Context, inputPath string) (*transcoder.SourceInfo, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, err
	}
	return f.info, f.err
}

// fakeEncoder writes one ten-second segment per started ten seconds of
// source, then packages the tree the way the real encoder does.
type fakeEncoder struct {
	duration float64
	err      error
	// before runs first, e.g. to cancel the run mid-encode
	before   func()
	requests []transcoder.EncodeRequest
}

func (f *fakeEncoder) Transcode(ctx context.Context, req transcoder.EncodeRequest) (*transcoder.Package, error) {
	f.requests = append(f.requests, req)
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}

	segments := int((f.duration + transcoder.DefaultSegmentSeconds - 1) / transcoder.DefaultSegmentSeconds)
	for i := range req.Ladder {
		dir := transcoder.VariantDir(req.OutputDir, i)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		index := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n"
		for s := 0; s < segments; s++ {
			name := fmt.Sprintf(transcoder.SegmentPattern, s)
			index += "#EXTINF:10.0,\n" + name + "\n"
			if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
				return nil, err
			}
		}
		index += "#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(dir, models.VariantIndexName), []byte(index), 0644); err != nil {
			return nil, err
		}
	}

	pkg, err := transcoder.ScanPackage(req.OutputDir, req.Ladder, req.HasAudio, req.SourceWidth, req.SourceHeight)
	if err != nil {
		return nil, err
	}
	return pkg, transcoder.WriteMasterPlaylist(pkg)
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses []models.RunStatus
	ctxErrs  []error
}

func (f *fakeStatus) Report(ctx context.Context, status models.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return err
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStatus) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var states []string
	for _, s := range f.statuses {
		states = append(states, s.State)
	}
	return states
}

const (
	rawBucket  = "zylar-raw-videos"
	destBucket = "zylar-processed-videos"
)

type fixture struct {
	store   *memStore
	prober  *fakeProber
	encoder *fakeEncoder
	status  *fakeStatus
	cfg     Config
}

func newFixture(t *testing.T, key string) *fixture {
	t.Helper()

	store := newMemStore()
	store.put(rawBucket, key, []byte("source video bytes"))

	return &fixture{
		store: store,
		prober: &fakeProber{info: &transcoder.SourceInfo{
			Duration: 90,
			Width:    1920,
			Height:   1080,
			HasAudio: true,
		}},
		encoder: &fakeEncoder{duration: 90},
		status:  &fakeStatus{},
		cfg: Config{
			Params:         models.NewRunParameters(rawBucket, key, destBucket),
			ScratchDir:     t.TempDir(),
			Ladder:         models.DefaultLadder(),
			UploadParallel: 4,
			StagedPublish:  true,
		},
	}
}

func (f *fixture) run(t *testing.T) (*Result, error) {
	t.Helper()
	w, err := New(f.cfg, f.store, f.prober, f.encoder, f.status, nil)
	require.NoError(t, err)
	return w.Run(context.Background())
}

func expectedPackageKeys(prefix string, variants, segments int) []string {
	root := models.PackageRoot(prefix)
	keys := []string{root + "/master.m3u8"}
	for v := 0; v < variants; v++ {
		keys = append(keys, fmt.Sprintf("%s/v%d/index.m3u8", root, v))
		for s := 0; s < segments; s++ {
			keys = append(keys, fmt.Sprintf("%s/v%d/segment_%03d.ts", root, v, s))
		}
	}
	sort.Strings(keys)
	return keys
}

func TestRunDemoScenario(t *testing.T) {
	f := newFixture(t, "demo.mp4")

	result, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, "processed/demo/master.m3u8", result.ManifestKey)
	assert.Equal(t, 45, result.Segments)
	assert.Equal(t, 51, result.Files)

	assert.Equal(t, expectedPackageKeys("demo", 5, 9), f.store.keys(destBucket, ""),
		"only the final package remains in the destination bucket")

	// manifest is the last object written
	writes := f.store.writes
	require.NotEmpty(t, writes)
	assert.Equal(t, "processed/demo/master.m3u8", writes[len(writes)-1])

	master := string(f.store.objects[destBucket+"/processed/demo/master.m3u8"])
	assert.Equal(t, 5, strings.Count(master, "#EXT-X-STREAM-INF"))
	assert.Contains(t, master, "mp4a.40.2")

	assert.Equal(t, []string{models.RunStateProcessing, models.RunStateCompleted}, f.status.states())
	assert.Equal(t, "demo", f.status.statuses[1].Name)
	assert.Equal(t, "processed/demo/master.m3u8", f.status.statuses[1].ManifestKey)

	require.Len(t, f.encoder.requests, 1)
	req := f.encoder.requests[0]
	assert.True(t, req.HasAudio)
	assert.Equal(t, ".mp4", filepath.Ext(req.InputPath))
	assert.Equal(t, 1920, req.SourceWidth)

	entries, err := os.ReadDir(f.cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory is removed after the run")
}

func TestRunDirectPublish(t *testing.T) {
	f := newFixture(t, "video-uploads/clip.mov")
	f.cfg.StagedPublish = false

	_, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, expectedPackageKeys("clip", 5, 9), f.store.keys(destBucket, ""))
	writes := f.store.writes
	assert.Equal(t, "processed/clip/master.m3u8", writes[len(writes)-1])
	for _, k := range writes {
		assert.NotContains(t, k, StagingPrefix)
	}
}

func TestRunVideoOnlySource(t *testing.T) {
	f := newFixture(t, "silent.mp4")
	f.prober.info.HasAudio = false

	_, err := f.run(t)
	require.NoError(t, err)

	assert.False(t, f.encoder.requests[0].HasAudio)
	master := string(f.store.objects[destBucket+"/processed/silent/master.m3u8"])
	assert.NotContains(t, master, "mp4a")
}

func TestRunEncoderFailure(t *testing.T) {
	f := newFixture(t, "broken.mp4")
	f.encoder.err = &transcoder.EncodeError{ExitCode: 1, Stderr: "Invalid data found when processing input", Err: errors.New("exit status 1")}

	result, err := f.run(t)
	assert.Nil(t, result)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageTranscode, stageErr.Stage)

	var encErr *transcoder.EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 1, encErr.ExitCode)

	assert.Empty(t, f.store.keys(destBucket, ""), "nothing is uploaded when the encoder fails")
	assert.Equal(t, []string{models.RunStateProcessing, models.RunStateFailed}, f.status.states())
	assert.Contains(t, f.status.statuses[1].Error, "transcode failed")
}

func TestRunCancelledStillReportsFailure(t *testing.T) {
	f := newFixture(t, "long.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.encoder.before = cancel
	f.encoder.err = context.Canceled

	w, err := New(f.cfg, f.store, f.prober, f.encoder, f.status, nil)
	require.NoError(t, err)

	_, err = w.Run(ctx)
	require.Error(t, err)

	assert.Equal(t, []string{models.RunStateProcessing, models.RunStateFailed}, f.status.states())
	for _, ctxErr := range f.status.ctxErrs {
		assert.NoError(t, ctxErr)
	}
}

func TestRunDownloadFailure(t *testing.T) {
	f := newFixture(t, "demo.mp4")
	f.cfg.Params.SourceKey = "missing.mp4"
	f.cfg.Params.DestPrefix = "missing"

	_, err := f.run(t)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageDownload, stageErr.Stage)
	assert.Empty(t, f.encoder.requests)
}

func TestRunProbeFailure(t *testing.T) {
	f := newFixture(t, "audio.mp3")
	f.prober.err = errors.New("source has no video stream")

	_, err := f.run(t)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageProbe, stageErr.Stage)
	assert.Empty(t, f.encoder.requests)
}

func TestRunManifestUploadFailure(t *testing.T) {
	tests := []struct {
		name   string
		staged bool
	}{
		{"staged", true},
		{"direct", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "demo.mp4")
			f.cfg.StagedPublish = tt.staged
			isFinalManifest := func(key string) bool { return key == "processed/demo/master.m3u8" }
			f.store.failPut = isFinalManifest
			f.store.failCopy = isFinalManifest

			_, err := f.run(t)
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, StageUpload, stageErr.Stage)
			assert.ErrorContains(t, err, "manifest")

			assert.False(t, f.store.has(destBucket, "processed/demo/master.m3u8"))
			assert.Equal(t, models.RunStateFailed, f.status.states()[1])
		})
	}
}

func TestRunSegmentUploadFailureSkipsManifest(t *testing.T) {
	f := newFixture(t, "demo.mp4")
	f.store.failPut = func(key string) bool { return strings.HasSuffix(key, "v3/segment_004.ts") }

	_, err := f.run(t)
	require.Error(t, err)
	assert.False(t, f.store.has(destBucket, "processed/demo/master.m3u8"))
	assert.Empty(t, f.store.keys(destBucket, StagingPrefix), "staged objects are cleaned up")
}

func TestRerunUsesSamePrefix(t *testing.T) {
	f := newFixture(t, "video-uploads/1700000000000-demo.mp4")

	first, err := f.run(t)
	require.NoError(t, err)
	keysAfterFirst := f.store.keys(destBucket, "")

	second, err := f.run(t)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.ManifestKey, second.ManifestKey)
	assert.Equal(t, "processed/1700000000000-demo/master.m3u8", second.ManifestKey)
	assert.Equal(t, keysAfterFirst, f.store.keys(destBucket, ""), "a rerun overwrites rather than adds")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Params:     models.NewRunParameters("raw", "demo.mp4", "dest"),
		ScratchDir: "/tmp",
		Ladder:     models.DefaultLadder(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source bucket", func(c *Config) { c.Params.SourceBucket = "" }},
		{"no source key", func(c *Config) { c.Params.SourceKey = "" }},
		{"no dest bucket", func(c *Config) { c.Params.DestBucket = "" }},
		{"no prefix", func(c *Config) { c.Params.DestPrefix = "" }},
		{"no scratch", func(c *Config) { c.ScratchDir = "" }},
		{"empty ladder", func(c *Config) { c.Ladder = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Ladder = models.DefaultLadder()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := New(cfg, newMemStore(), &fakeProber{}, &fakeEncoder{}, nil, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
