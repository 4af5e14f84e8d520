package logcapture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextLogPath_NoCollision(t *testing.T) {
	dir := t.TempDir()
	p, err := NextLogPath(dir, 1, "my job")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1_my_job.out"), p)
}

func TestNextLogPath_CollisionProbesSuffix(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "1_job.out")
	require.NoError(t, os.WriteFile(base, []byte("existing"), 0644))

	p, err := NextLogPath(dir, 1, "job")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1_job_1.out"), p)
}

func TestNextLogPath_SanitizesUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	p, err := NextLogPath(dir, 7, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(p), "sanitized path escaped dir: %q", p)
}

func TestSinkEmitAndTailFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1_job.out")
	require.NoError(t, CreateEmpty(path))

	events := make(chan Record, 4)
	sink, err := NewSink(1, "job", path, events)
	require.NoError(t, err)

	sink.Emit("hello\n")
	sink.Emit("world\n")
	require.NoError(t, sink.Close())

	require.Len(t, events, 2)
	first := <-events
	assert.Equal(t, int64(0), first.FileOffsetBefore)
	second := <-events
	assert.NotZero(t, second.FileOffsetBefore, "expected second record's offset-before to be nonzero")

	content, _, err := TailFile(path, -1, -1)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", content)
}

func TestTailFile_SeekEndAndMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	content, _, err := TailFile(path, 4, -1)
	require.NoError(t, err)
	assert.Equal(t, "6789", content, "seekEnd=4")

	content, _, err = TailFile(path, -1, 3)
	require.NoError(t, err)
	assert.Equal(t, "012", content, "maxBytes=3")
}

func TestLineWriter_CoalescesPartialWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1_job.out")
	require.NoError(t, CreateEmpty(path))
	events := make(chan Record, 4)
	sink, err := NewSink(1, "job", path, events)
	require.NoError(t, err)
	defer sink.Close()

	lw := NewLineWriter(sink)
	lw.Write([]byte("partial "))
	lw.Write([]byte("line\nsecond"))
	require.Len(t, events, 1, "expected exactly one emitted record before flush")
	rec := <-events
	assert.Equal(t, "partial line\n", rec.Message)

	lw.Flush()
	require.Len(t, events, 1, "expected flush to emit the trailing partial line")
	rec = <-events
	assert.Equal(t, "second", rec.Message)
}
