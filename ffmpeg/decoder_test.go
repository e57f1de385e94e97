package ffmpeg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"framestream/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	t.Run("container frame count", func(t *testing.T) {
		info, err := parseProbe([]byte(`{"streams":[{"width":1280,"height":720,"nb_frames":"300","nb_read_packets":"299"}]}`))
		require.NoError(t, err)
		assert.Equal(t, Info{Width: 1280, Height: 720, Frames: 300}, info)
	})

	t.Run("falls back to packet count", func(t *testing.T) {
		info, err := parseProbe([]byte(`{"streams":[{"width":640,"height":360,"nb_frames":"N/A","nb_read_packets":"42"}]}`))
		require.NoError(t, err)
		assert.Equal(t, 42, info.Frames)
	})

	t.Run("zero frames is not an error here", func(t *testing.T) {
		info, err := parseProbe([]byte(`{"streams":[{"width":640,"height":360}]}`))
		require.NoError(t, err)
		assert.Zero(t, info.Frames)
	})

	t.Run("no stream", func(t *testing.T) {
		_, err := parseProbe([]byte(`{"streams":[]}`))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseProbe([]byte(`not json`))
		assert.Error(t, err)
	})
}

// fakeTools writes shell stand-ins for ffprobe and ffmpeg. The fake ffmpeg
// emits the given number of zeroed 2x2 RGBA frames.
func fakeTools(t *testing.T, frames int) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	probe := filepath.Join(dir, "ffprobe")
	mpeg := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(probe, []byte(`#!/bin/sh
echo '{"streams":[{"width":2,"height":2,"nb_frames":"`+strconv.Itoa(frames)+`"}]}'
`), 0o755))
	require.NoError(t, os.WriteFile(mpeg, []byte(`#!/bin/sh
exec head -c `+strconv.Itoa(frames*16)+` /dev/zero
`), 0o755))
	return &config.Config{FFBin: mpeg, FFProbeBin: probe, DecodeArgs: "-threads 1"}
}

func TestDecoder_Open(t *testing.T) {
	cfg := fakeTools(t, 3)
	dec, err := NewDecoder(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"-threads", "1"}, dec.inputArgs)

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("mp4"), 0o600))

	v, err := dec.Open(context.Background(), src)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, 2, v.Width())
	assert.Equal(t, 2, v.Height())
	assert.Equal(t, 3, v.FrameCount())

	for i := 0; i < 3; i++ {
		img, err := v.Next()
		require.NoError(t, err)
		assert.Equal(t, 2, img.Bounds().Dx())
	}
	_, err = v.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_OpenMissingFile(t *testing.T) {
	dec, err := NewDecoder(fakeTools(t, 1))
	require.NoError(t, err)

	_, err = dec.Open(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestDecoder_CloseKillsProcess(t *testing.T) {
	cfg := fakeTools(t, 100000)
	dec, err := NewDecoder(cfg)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("mp4"), 0o600))

	v, err := dec.Open(context.Background(), src)
	require.NoError(t, err)
	_, err = v.Next()
	require.NoError(t, err)
	assert.NoError(t, v.Close())
	assert.NoError(t, v.Close())
}

func TestNewDecoder(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		_, err := NewDecoder(&config.Config{FFBin: "/nonexistent/ffmpeg", FFProbeBin: "/nonexistent/ffprobe"})
		assert.Error(t, err)
	})

	t.Run("reserved decode arg", func(t *testing.T) {
		cfg := fakeTools(t, 1)
		cfg.DecodeArgs = "-f mjpeg"
		_, err := NewDecoder(cfg)
		assert.Error(t, err)
	})
}
