package evp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/evp/pkg/common"
	"github.com/beam-cloud/evp/pkg/filter"
	"github.com/beam-cloud/evp/pkg/metrics"
)

var testTree = map[string]string{
	"subfolder_1/text_1.txt": "Lorem ipsum dolor sit amet",
	"subfolder_1/text_2.txt": "consectetur adipiscing elit",
	"subfolder_2/text_3.txt": strings.Repeat("sed do eiusmod tempor ", 3000),
	"text_1.txt":             "incididunt ut labore et dolore magna aliqua",
}

var testOrder = []string{
	"subfolder_1/text_1.txt",
	"subfolder_1/text_2.txt",
	"subfolder_2/text_3.txt",
	"text_1.txt",
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	return dir
}

func newTestArchiver() *Archiver {
	return NewArchiver(ArchiverOptions{Metrics: metrics.NewMetrics(), Concurrency: 2})
}

// packTestTree packs testTree and returns the archive path.
func packTestTree(t *testing.T, a *Archiver) string {
	t.Helper()

	src := writeTree(t, testTree)
	dest := filepath.Join(t.TempDir(), "test.evp")

	result := a.Pack(context.Background(), PackInput{Base: src, Files: testOrder}, dest, nil)
	require.True(t, result.OK(), result.String())
	return dest
}

func TestPackUnpackRoundTrip(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	_, err := os.Stat(archive + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file is removed after pack")

	files, result := a.Files(archive)
	require.True(t, result.OK(), result.String())

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, testOrder, paths)

	out := t.TempDir()
	result = a.Unpack(context.Background(), archive, out, nil, nil)
	require.True(t, result.OK(), result.String())

	for p, content := range testTree {
		data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(p)))
		require.NoError(t, err)
		assert.Equal(t, content, string(data), p)
	}

	snap := a.metrics.Snapshot()
	assert.Equal(t, int64(4), snap["evp_packed_files_total"])
	assert.Equal(t, int64(4), snap["evp_unpacked_files_total"])
}

func TestPackAbsoluteInputs(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, testTree)
	dest := filepath.Join(t.TempDir(), "abs.evp")

	var inputs []string
	for _, p := range testOrder {
		inputs = append(inputs, filepath.Join(src, filepath.FromSlash(p)))
	}

	result := a.Pack(context.Background(), PackInput{Base: src, Files: inputs}, dest, nil)
	require.True(t, result.OK(), result.String())

	files, result := a.Files(dest)
	require.True(t, result.OK())
	for i, f := range files {
		assert.Equal(t, testOrder[i], f.Path)
	}
}

func TestOffsetArithmetic(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	files, result := a.Files(archive)
	require.True(t, result.OK())

	r, f, err := openArchive(archive)
	require.NoError(t, err)
	defer r.Close()

	descriptorOffset := uint64(f.Header().DescriptorOffset)
	next := uint32(common.DataStartOffset)
	for _, entry := range files {
		assert.Equal(t, next, entry.DataOffset)
		assert.LessOrEqual(t, entry.End(), descriptorOffset)
		next = entry.DataOffset + entry.DataSize
	}
}

func TestValidate(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	failed, result := a.Validate(context.Background(), archive)
	assert.True(t, result.OK(), result.String())
	assert.Empty(t, failed)

	files, _ := a.Files(archive)
	target := files[1]

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	data[target.DataOffset+3] ^= 0xff
	require.NoError(t, os.WriteFile(archive, data, 0644))

	failed, result = a.Validate(context.Background(), archive)
	assert.Equal(t, common.StatusFailure, result.Status)
	assert.Contains(t, result.Message, "1 of 4 files failed validation")
	require.Len(t, failed, 1)
	assert.Equal(t, target.Path, failed[0].Path)

	snap := a.metrics.Snapshot()
	assert.Equal(t, int64(1), snap["evp_digest_failures_total"])
}

func TestValidateEmptyFile(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, map[string]string{"empty.txt": "", "full.txt": "x"})
	dest := filepath.Join(t.TempDir(), "empty.evp")

	result := a.Pack(context.Background(), PackInput{Base: src, Files: []string{"empty.txt", "full.txt"}}, dest, nil)
	require.True(t, result.OK(), result.String())

	files, _ := a.Files(dest)
	assert.Equal(t, [common.DigestLength]byte{}, files[0].Digest)

	failed, result := a.Validate(context.Background(), dest)
	assert.True(t, result.OK(), result.String())
	assert.Empty(t, failed)
}

func TestReadFile(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	data, result := a.ReadFileByPath(archive, "text_1.txt")
	require.True(t, result.OK(), result.String())
	assert.Equal(t, testTree["text_1.txt"], string(data))

	data, result = a.ReadFileByPath(archive, "/subfolder_1/text_2.txt")
	require.True(t, result.OK(), result.String())
	assert.Equal(t, testTree["subfolder_1/text_2.txt"], string(data))

	_, result = a.ReadFileByPath(archive, "missing.txt")
	assert.Equal(t, common.StatusFailure, result.Status)
	assert.Contains(t, result.Message, "file not found")

	files, _ := a.Files(archive)
	data, result = a.ReadFile(archive, files[2])
	require.True(t, result.OK(), result.String())
	assert.Equal(t, testTree["subfolder_2/text_3.txt"], string(data))

	var buf bytes.Buffer
	result = a.WriteFileTo(archive, "subfolder_1/text_1.txt", &buf)
	require.True(t, result.OK(), result.String())
	assert.Equal(t, testTree["subfolder_1/text_1.txt"], buf.String())
}

func TestReadFileIndependentOfOtherEntries(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, testTree)
	dest := filepath.Join(t.TempDir(), "single.evp")

	result := a.Pack(context.Background(), PackInput{Base: src, Files: []string{"text_1.txt"}}, dest, nil)
	require.True(t, result.OK(), result.String())

	data, result := a.ReadFileByPath(dest, "text_1.txt")
	require.True(t, result.OK(), result.String())
	assert.Equal(t, testTree["text_1.txt"], string(data))
}

func TestReadFileDuplicatePathLastWins(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, map[string]string{"a/x.txt": "same"})
	dest := filepath.Join(t.TempDir(), "dup.evp")

	result := a.Pack(context.Background(), PackInput{Base: src, Files: []string{"a/x.txt", "a/../a/x.txt"}}, dest, nil)
	require.True(t, result.OK(), result.String())

	files, _ := a.Files(dest)
	require.Len(t, files, 2)
	assert.Equal(t, files[0].Path, files[1].Path)
	assert.NotEqual(t, files[0].DataOffset, files[1].DataOffset)

	r, f, err := openArchive(dest)
	require.NoError(t, err)
	defer r.Close()

	entry, err := lookup(f, "a/x.txt")
	require.NoError(t, err)
	assert.Equal(t, files[1].DataOffset, entry.DataOffset)
}

func TestBufferHook(t *testing.T) {
	a := NewArchiver(ArchiverOptions{
		Metrics: metrics.NewMetrics(),
		BufferHook: func(path string, data []byte) ([]byte, error) {
			return bytes.ToUpper(data), nil
		},
	})
	archive := packTestTree(t, a)

	data, result := a.ReadFileByPath(archive, "text_1.txt")
	require.True(t, result.OK(), result.String())
	assert.Equal(t, strings.ToUpper(testTree["text_1.txt"]), string(data))

	var buf bytes.Buffer
	result = a.WriteFileTo(archive, "text_1.txt", &buf)
	require.True(t, result.OK(), result.String())
	assert.Equal(t, strings.ToUpper(testTree["text_1.txt"]), buf.String())
}

func TestPackValidation(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, testTree)
	outDir := t.TempDir()

	tests := []struct {
		name    string
		input   PackInput
		dest    string
		wantErr error
	}{
		{"missing base", PackInput{Base: filepath.Join(src, "nope")}, filepath.Join(outDir, "a.evp"), common.ErrDirectoryNotFound},
		{"base is file", PackInput{Base: filepath.Join(src, "text_1.txt")}, filepath.Join(outDir, "a.evp"), common.ErrNotDirectory},
		{"wrong extension", PackInput{Base: src}, filepath.Join(outDir, "a.zip"), common.ErrInvalidExtension},
		{"no extension", PackInput{Base: src}, filepath.Join(outDir, "a"), common.ErrInvalidExtension},
		{"dest is dir", PackInput{Base: src}, outDir, common.ErrNotAFile},
		{"missing file", PackInput{Base: src, Files: []string{"text_1.txt", "nope.txt"}}, filepath.Join(outDir, "b.evp"), common.ErrFileNotFound},
		{"outside base", PackInput{Base: src, Files: []string{"../etc/passwd"}}, filepath.Join(outDir, "c.evp"), common.ErrFileNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var finished int
			result := a.Pack(context.Background(), tc.input, tc.dest, &Hooks{
				OnFinish: func(common.Result) { finished++ },
			})
			assert.Equal(t, common.StatusFailure, result.Status)
			assert.Contains(t, result.Message, tc.wantErr.Error())
			assert.Equal(t, 1, finished)
		})
	}
}

func TestUnpackValidation(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	notArchive := filepath.Join(t.TempDir(), "bogus.evp")
	require.NoError(t, os.WriteFile(notArchive, bytes.Repeat([]byte{1}, 200), 0644))

	tests := []struct {
		name    string
		archive string
		dest    string
		wantErr error
	}{
		{"missing archive", filepath.Join(t.TempDir(), "nope.evp"), t.TempDir(), common.ErrArchiveNotFound},
		{"archive is dir", t.TempDir(), t.TempDir(), common.ErrNotAFile},
		{"missing dest", archive, filepath.Join(t.TempDir(), "nope"), common.ErrDirectoryNotFound},
		{"unknown format", notArchive, t.TempDir(), common.ErrUnknownFormat},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := a.Unpack(context.Background(), tc.archive, tc.dest, nil, nil)
			assert.Equal(t, common.StatusFailure, result.Status)
			assert.Contains(t, result.Message, tc.wantErr.Error())
		})
	}
}

func TestUnpackSubset(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	files, _ := a.Files(archive)
	out := t.TempDir()

	var progress []float32
	result := a.Unpack(context.Background(), archive, out, files[3:], &Hooks{
		OnProgress: func(delta float32) { progress = append(progress, delta) },
	})
	require.True(t, result.OK(), result.String())

	assert.Len(t, progress, 4, "skipped entries still advance progress")
	var total float32
	for _, p := range progress {
		total += p
	}
	assert.InDelta(t, 100, total, 0.01)

	_, err := os.Stat(filepath.Join(out, "text_1.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "subfolder_1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPackDir(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, map[string]string{
		"maps/town.map":     "map",
		"server_game.ini":   "ini",
		"model/hero.mdl":    "mdl",
		"docs/readme.txt":   "doc",
		"client_engine.ini": "ini",
	})
	dest := filepath.Join(t.TempDir(), "server.evp")

	result := a.PackDir(context.Background(), src, dest, filter.Server, nil)
	require.True(t, result.OK(), result.String())

	files, _ := a.Files(dest)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"maps/town.map", "server_game.ini"}, paths)

	result = a.PackDir(context.Background(), filepath.Join(src, "nope"), dest, filter.All, nil)
	assert.Equal(t, common.StatusFailure, result.Status)
}

// recorder captures hook invocations in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	results []common.Result
}

func (r *recorder) hooks(cancel *atomic.Bool) *Hooks {
	return &Hooks{
		OnStart: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "start")
		},
		OnProgress: func(float32) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "progress")
		},
		OnFinish: func(result common.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "finish")
			r.results = append(r.results, result)
		},
		Cancel: cancel,
	}
}

func (r *recorder) snapshot() ([]string, []common.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]common.Result(nil), r.results...)
}

func waitOp(t *testing.T, op *Operation) common.Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := op.Wait(ctx)
	require.NoError(t, err)
	return result
}

func TestPackAsyncCancelledBeforeStart(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, testTree)
	dest := filepath.Join(t.TempDir(), "cancelled.evp")

	var cancel atomic.Bool
	cancel.Store(true)

	rec := &recorder{}
	op := a.PackAsync(context.Background(), PackInput{Base: src, Files: testOrder}, dest, rec.hooks(&cancel))
	assert.NotEmpty(t, op.ID())

	result := waitOp(t, op)
	assert.True(t, result.Cancelled())
	assert.Equal(t, StateCancelled, op.State())

	events, results := rec.snapshot()
	assert.NotContains(t, events, "progress")
	assert.Equal(t, "finish", events[len(events)-1])
	require.Len(t, results, 1, "finish fires exactly once")
	assert.Equal(t, common.StatusCancelled, results[0].Status)
}

func TestUnpackAsync(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)
	out := t.TempDir()

	rec := &recorder{}
	op := a.UnpackAsync(context.Background(), archive, out, nil, rec.hooks(nil))

	result := waitOp(t, op)
	require.True(t, result.OK(), result.String())
	assert.Equal(t, StateCompleted, op.State())

	got, ok := op.Result()
	assert.True(t, ok)
	assert.Equal(t, result, got)

	events, results := rec.snapshot()
	assert.Equal(t, []string{"start", "progress", "progress", "progress", "progress", "finish"}, events)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
}

func TestUnpackAsyncFailure(t *testing.T) {
	a := newTestArchiver()

	rec := &recorder{}
	op := a.UnpackAsync(context.Background(), filepath.Join(t.TempDir(), "nope.evp"), t.TempDir(), nil, rec.hooks(nil))

	result := waitOp(t, op)
	assert.Equal(t, common.StatusFailure, result.Status)
	assert.Equal(t, StateFailed, op.State())

	events, _ := rec.snapshot()
	assert.Equal(t, []string{"finish"}, events)
}

func TestOperationTerminalBeforeFinishHook(t *testing.T) {
	a := newTestArchiver()
	archive := packTestTree(t, a)

	var (
		op       *Operation
		ready    = make(chan struct{})
		state    State
		hookRes  common.Result
		resultOK bool
	)
	hooks := &Hooks{
		OnFinish: func(common.Result) {
			<-ready
			state = op.State()
			hookRes, resultOK = op.Result()
		},
	}

	op = a.UnpackAsync(context.Background(), archive, t.TempDir(), nil, hooks)
	close(ready)

	result := waitOp(t, op)
	require.True(t, result.OK(), result.String())
	assert.Equal(t, StateCompleted, state)
	assert.True(t, resultOK)
	assert.Equal(t, result, hookRes)
}

func TestOperationCancelViaContext(t *testing.T) {
	a := newTestArchiver()
	src := writeTree(t, testTree)
	dest := filepath.Join(t.TempDir(), "ctx.evp")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := a.PackAsync(ctx, PackInput{Base: src, Files: testOrder}, dest, nil)
	result := waitOp(t, op)
	assert.True(t, result.Cancelled())
}

func TestSetLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "disabled", "none", "off", "INFO"} {
		assert.NoError(t, SetLogLevel(level), level)
	}
	assert.Error(t, SetLogLevel("verbose"))
	require.NoError(t, SetLogLevel("info"))
}
