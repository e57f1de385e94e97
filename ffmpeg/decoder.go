package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"framestream/config"
	"framestream/task"

	"github.com/rs/zerolog/log"
)

// Decoder opens videos through ffprobe (geometry and frame count) and an
// ffmpeg process piping raw RGBA frames.
type Decoder struct {
	ffmpegBin  string
	ffprobeBin string
	inputArgs  []string
}

func NewDecoder(cfg *config.Config) (*Decoder, error) {
	for _, bin := range []string{cfg.FFBin, cfg.FFProbeBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("binary not found or not in PATH: %s", bin)
		}
	}

	args, err := SplitArgs(cfg.DecodeArgs)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, fmt.Errorf("invalid DECODE_ARGS: %w", err)
	}

	return &Decoder{
		ffmpegBin:  cfg.FFBin,
		ffprobeBin: cfg.FFProbeBin,
		inputArgs:  args,
	}, nil
}

type probeResult struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Info is what the probe learned about the first video stream.
type Info struct {
	Width, Height, Frames int
}

func parseProbe(data []byte) (Info, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 {
		return Info{}, errors.New("no video stream")
	}
	s := res.Streams[0]
	info := Info{Width: s.Width, Height: s.Height}
	// nb_frames comes from the container and is "N/A" for some formats;
	// the packet count is exact but needs a full demux.
	for _, raw := range []string{s.NbFrames, s.NbReadPackets} {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			info.Frames = n
			break
		}
	}
	if info.Width <= 0 || info.Height <= 0 {
		return Info{}, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	return info, nil
}

// Probe reads the geometry and frame count of path.
func (d *Decoder) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, d.ffprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,nb_frames,nb_read_packets",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

// Open implements task.Source.
func (d *Decoder) Open(ctx context.Context, path string) (task.Video, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("could not open input file: %w", err)
	}
	info, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithCancel(ctx)
	args := append([]string{"-v", "error", "-nostdin"}, d.inputArgs...)
	args = append(args, "-i", path, "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	cmd := exec.CommandContext(vctx, d.ffmpegBin, args...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	v := &video{info: info, cancel: cancel, cmd: cmd}
	cmd.Stderr = &v.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg failed to start: %w", err)
	}
	v.r = bufio.NewReaderSize(stdout, 1<<20)

	log.Debug().Str("path", path).Int("width", info.Width).Int("height", info.Height).
		Int("frames", info.Frames).Msg("decoding video")
	return v, nil
}

type video struct {
	info   Info
	cmd    *exec.Cmd
	cancel context.CancelFunc
	r      *bufio.Reader
	stderr bytes.Buffer
	waited bool
	err    error
}

func (v *video) Width() int      { return v.info.Width }
func (v *video) Height() int     { return v.info.Height }
func (v *video) FrameCount() int { return v.info.Frames }

func (v *video) Next() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, v.info.Width, v.info.Height))
	_, err := io.ReadFull(v.r, img.Pix)
	if err == nil {
		return img, nil
	}
	// stdout is closed: reap the process before looking at stderr.
	if werr := v.wait(false); werr != nil {
		return nil, werr
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read frame: %w", err)
}

// Close kills the decoder if it is still running and reaps it.
func (v *video) Close() error {
	v.wait(true)
	return nil
}

// wait reaps the process once. kill stops a decoder that is still running;
// a process killed that way is not reported as a failure.
func (v *video) wait(kill bool) error {
	if v.waited {
		return v.err
	}
	v.waited = true
	if kill {
		v.cancel()
	}
	err := v.cmd.Wait()
	v.cancel()
	if err != nil && !kill {
		v.err = fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(v.stderr.String()))
	}
	return v.err
}
