package codec

import (
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/util"
)

const (
	ffmpegStopTimeout = 2 * time.Second
	ffmpegReadSize    = 32 * 1024
)

// FFmpegEncoder produces H.264 video and AAC audio by piping raw frames
// through two ffmpeg child processes. Every video frame is coded as an IDR
// so any segment boundary is a valid decoding start.
type FFmpegEncoder struct {
	opts   Options
	params Params

	video *ffmpegProc
	audio *ffmpegProc

	mu        sync.Mutex
	pending   []Packet
	videoPTS  []time.Duration
	audioPTS  []time.Duration
	closed    bool
	frameBuf  []byte
	sampleBuf []byte
}

type ffmpegProc struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
}

// NewFFmpeg starts the encoder processes. A missing ffmpeg binary is reported
// here so the session fails before it becomes active.
func NewFFmpeg(opts Options) (*FFmpegEncoder, error) {
	path := opts.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "locate ffmpeg %q", path)
	}

	e := &FFmpegEncoder{
		opts: opts,
		params: Params{
			Video: VideoParams{Codec: VideoH264, Width: opts.Width, Height: opts.Height, FPS: opts.FPS},
			Audio: AudioParams{Codec: AudioAAC, SampleRate: opts.SampleRate, Channels: opts.Channels, FrameSize: opts.FrameSize},
		},
		frameBuf: make([]byte, opts.Width*opts.Height*3/2),
	}

	e.video, err = startFFmpeg("video", bin, videoArgs(opts))
	if err != nil {
		return nil, err
	}
	e.audio, err = startFFmpeg("audio", bin, audioArgs(opts))
	if err != nil {
		e.video.stop()
		return nil, err
	}

	go e.readVideo()
	go e.readAudio()

	return e, nil
}

func videoArgs(opts Options) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", strconv.Itoa(opts.Width) + "x" + strconv.Itoa(opts.Height),
		"-r", strconv.Itoa(opts.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-bf", "0",
		"-g", "1",
		"-b:v", "64k",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	}
}

func audioArgs(opts Options) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", strconv.Itoa(opts.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", "64k",
		"-f", "adts",
		"pipe:1",
	}
}

func startFFmpeg(name, bin string, args []string) (*ffmpegProc, error) {
	cmd := exec.Command(bin, args...)
	cmd.Stderr = util.NewStdLogger("ffmpeg-" + name).Writer()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "ffmpeg %s stdin", name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "ffmpeg %s stdout", name)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start ffmpeg %s", name)
	}

	util.GetLogger().Debug("ffmpeg started", "track", name, "pid", cmd.Process.Pid)
	return &ffmpegProc{name: name, cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}, nil
}

func (p *ffmpegProc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// stop closes stdin and waits for the output to drain, escalating to SIGTERM
// and then SIGKILL.
func (p *ffmpegProc) stop() {
	logger := util.GetLogger()

	p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(ffmpegStopTimeout):
		p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(ffmpegStopTimeout):
			p.cmd.Process.Kill()
			<-p.done
		}
		logger.Warn("ffmpeg force stopped", "track", p.name)
	}

	err := p.cmd.Wait()
	logger.Debug("ffmpeg stopped", "track", p.name, "error", err)
}

func (e *FFmpegEncoder) readVideo() {
	defer close(e.video.done)

	var splitter accessUnitSplitter
	e.readLoop(e.video, func(chunk []byte) {
		for _, au := range splitter.Feed(chunk) {
			e.queueVideo(au)
		}
	})
	if au := splitter.Flush(); au != nil {
		e.queueVideo(au)
	}
}

func (e *FFmpegEncoder) readAudio() {
	defer close(e.audio.done)

	var splitter adtsSplitter
	e.readLoop(e.audio, func(chunk []byte) {
		for _, frame := range splitter.Feed(chunk) {
			e.queueAudio(frame)
		}
	})
}

func (e *FFmpegEncoder) readLoop(p *ffmpegProc, fn func([]byte)) {
	logger := util.GetLogger()
	defer logger.Debug("ffmpeg output loop stopped", "track", p.name)

	buf := make([]byte, ffmpegReadSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Warn("Failed to read ffmpeg output", "track", p.name, "error", err)
			return
		}
	}
}

func (e *FFmpegEncoder) queueVideo(au []byte) {
	data, key, err := accessUnitPacket(au)
	if err != nil {
		util.GetLogger().Debug("Dropping undecodable access unit", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var pts time.Duration
	if len(e.videoPTS) > 0 {
		pts = e.videoPTS[0]
		e.videoPTS = e.videoPTS[1:]
	}
	e.pending = append(e.pending, Packet{
		Track:    TrackVideo,
		Data:     data,
		PTS:      pts,
		Duration: time.Second / time.Duration(e.opts.FPS),
		Key:      key,
	})
}

func (e *FFmpegEncoder) queueAudio(frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var pts time.Duration
	if len(e.audioPTS) > 0 {
		pts = e.audioPTS[0]
		e.audioPTS = e.audioPTS[1:]
	}
	e.pending = append(e.pending, Packet{
		Track:    TrackAudio,
		Data:     frame,
		PTS:      pts,
		Duration: time.Duration(e.opts.FrameSize) * time.Second / time.Duration(e.opts.SampleRate),
		Key:      true,
	})
}

func (e *FFmpegEncoder) Params() Params { return e.params }

// EncodeVideo writes one frame to the video process and returns every packet
// produced since the last call, audio included.
func (e *FFmpegEncoder) EncodeVideo(img *image.YCbCr, pts time.Duration) ([]Packet, error) {
	w, h := e.opts.Width, e.opts.Height
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		return nil, errors.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), w, h)
	}

	e.mu.Lock()
	if e.closed || !e.video.alive() {
		e.mu.Unlock()
		return nil, errors.Wrap(ErrEncoderClosed, "video process exited")
	}
	buf := e.frameBuf[:0]
	for y := 0; y < h; y++ {
		buf = append(buf, img.Y[y*img.YStride:y*img.YStride+w]...)
	}
	for y := 0; y < h/2; y++ {
		buf = append(buf, img.Cb[y*img.CStride:y*img.CStride+w/2]...)
	}
	for y := 0; y < h/2; y++ {
		buf = append(buf, img.Cr[y*img.CStride:y*img.CStride+w/2]...)
	}
	e.frameBuf = buf
	e.videoPTS = append(e.videoPTS, pts)
	e.mu.Unlock()

	if _, err := e.video.stdin.Write(buf); err != nil {
		return nil, errors.Wrap(ErrEncoderClosed, err.Error())
	}
	return e.drain(), nil
}

// EncodeAudio writes one PCM frame to the audio process.
func (e *FFmpegEncoder) EncodeAudio(samples []int16, pts time.Duration) ([]Packet, error) {
	want := e.opts.FrameSize * e.opts.Channels
	if len(samples) != want {
		return nil, errors.Errorf("audio frame has %d samples, encoder expects %d", len(samples), want)
	}

	e.mu.Lock()
	if e.closed || !e.audio.alive() {
		e.mu.Unlock()
		return nil, errors.Wrap(ErrEncoderClosed, "audio process exited")
	}
	buf := e.sampleBuf[:0]
	for _, s := range samples {
		buf = append(buf, byte(s), byte(uint16(s)>>8))
	}
	e.sampleBuf = buf
	e.audioPTS = append(e.audioPTS, pts)
	e.mu.Unlock()

	if _, err := e.audio.stdin.Write(buf); err != nil {
		return nil, errors.Wrap(ErrEncoderClosed, err.Error())
	}
	return e.drain(), nil
}

func (e *FFmpegEncoder) drain() []Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Close stops both processes. Packets still in flight are discarded.
func (e *FFmpegEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range []*ffmpegProc{e.video, e.audio} {
		wg.Add(1)
		go func(p *ffmpegProc) {
			defer wg.Done()
			p.stop()
		}(p)
	}
	wg.Wait()
	return nil
}
