package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/audio"
	"github.com/antoniostano/callbridge/internal/protocol"
)

// markCallerAudioEnd labels the mark sent after the last caller frame.
const markCallerAudioEnd = "caller_audio_end"

type options struct {
	url      string
	frames   int
	frameMS  int
	params   paramFlag
	timeout  time.Duration
	drain    time.Duration
	wavPath  string
	savePath string
	verbose  bool
}

// paramFlag collects repeatable -param key=value flags.
type paramFlag map[string]string

func (p paramFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}

func (p paramFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("param %q must be key=value", v)
	}
	p[key] = value
	return nil
}

type report struct {
	streamSID  string
	framesSent int
	inbound
}

// inbound is what the bridge sent back on the stream.
type inbound struct {
	mediaReceived  int
	clearsReceived int
	firstMedia     time.Duration
	received       []byte
}

type connectedMsg struct {
	Event    protocol.EventName `json:"event"`
	Protocol string             `json:"protocol"`
	Version  string             `json:"version"`
}

type startMsg struct {
	Event          protocol.EventName `json:"event"`
	SequenceNumber string             `json:"sequenceNumber"`
	StreamSID      string             `json:"streamSid"`
	Start          startBody          `json:"start"`
}

type startBody struct {
	StreamSID        string               `json:"streamSid"`
	AccountSID       string               `json:"accountSid"`
	CallSID          string               `json:"callSid"`
	Tracks           []string             `json:"tracks"`
	MediaFormat      protocol.MediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string    `json:"customParameters"`
}

type mediaMsg struct {
	Event          protocol.EventName `json:"event"`
	SequenceNumber string             `json:"sequenceNumber"`
	StreamSID      string             `json:"streamSid"`
	Media          mediaBody          `json:"media"`
}

type mediaBody struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type stopMsg struct {
	Event          protocol.EventName `json:"event"`
	SequenceNumber string             `json:"sequenceNumber"`
	StreamSID      string             `json:"streamSid"`
	Stop           stopBody           `json:"stop"`
}

type stopBody struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type inboundEnvelope struct {
	Event protocol.EventName `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamsim: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamsim: %v\n", err)
		os.Exit(1)
	}
	if cfg.savePath != "" && len(rep.received) > 0 {
		pcm := audio.DecodeMuLaw(rep.received)
		if err := audio.WriteWAVPCM16LEFile(cfg.savePath, pcm, audio.TelephonySampleRate); err != nil {
			fmt.Fprintf(os.Stderr, "streamsim: save received audio: %v\n", err)
			os.Exit(1)
		}
	}
	printReport(os.Stdout, rep)
}

func parseFlags(args []string) (options, error) {
	cfg := options{params: paramFlag{}}
	fs := flag.NewFlagSet("streamsim", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:8000/media-stream", "bridge media-stream websocket URL")
	fs.IntVar(&cfg.frames, "frames", 250, "number of caller media frames to send")
	fs.IntVar(&cfg.frameMS, "frame-ms", 20, "audio per media frame in milliseconds")
	fs.Var(cfg.params, "param", "custom stream parameter key=value (repeatable)")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall run timeout")
	fs.DurationVar(&cfg.drain, "drain", time.Second, "wait for agent audio after the last frame before stop")
	fs.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV file streamed instead of silence")
	fs.StringVar(&cfg.savePath, "save", "", "optional WAV path for received agent audio")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every received event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.url = strings.TrimSpace(cfg.url)
	if !strings.HasPrefix(cfg.url, "ws://") && !strings.HasPrefix(cfg.url, "wss://") {
		return options{}, fmt.Errorf("url must be ws:// or wss://")
	}
	if cfg.frames < 0 {
		return options{}, fmt.Errorf("frames must be >= 0")
	}
	if cfg.frameMS < 10 || cfg.frameMS > 1000 {
		return options{}, fmt.Errorf("frame-ms must be in [10,1000]")
	}
	if cfg.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	if cfg.drain < 0 {
		cfg.drain = 0
	}
	return cfg, nil
}

// loadFrames returns the mu-law payloads sent as caller audio.
func loadFrames(cfg options) ([][]byte, error) {
	frameBytes := audio.TelephonySampleRate * cfg.frameMS / 1000
	if cfg.wavPath == "" {
		frames := make([][]byte, cfg.frames)
		for i := range frames {
			frames[i] = audio.Silence(frameBytes)
		}
		return frames, nil
	}

	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	ulaw := audio.EncodeMuLaw(audio.ResamplePCM16(pcm, rate, audio.TelephonySampleRate))
	var frames [][]byte
	for off := 0; off < len(ulaw); off += frameBytes {
		end := min(off+frameBytes, len(ulaw))
		frames = append(frames, ulaw[off:end])
	}
	if cfg.frames > 0 && len(frames) > cfg.frames {
		frames = frames[:cfg.frames]
	}
	return frames, nil
}

func run(ctx context.Context, cfg options, out io.Writer) (report, error) {
	frames, err := loadFrames(cfg)
	if err != nil {
		return report{}, fmt.Errorf("prepare audio: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	callSID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	accountSID := "AC" + strings.ReplaceAll(uuid.NewString(), "-", "")
	rep := report{streamSID: streamSID}

	startedAt := time.Now()
	readDone := make(chan inbound, 1)
	go func() {
		readDone <- readLoop(conn, startedAt, out, cfg.verbose)
	}()

	seq := 0
	next := func() string {
		seq++
		return strconv.Itoa(seq)
	}

	if err := conn.WriteJSON(connectedMsg{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return rep, fmt.Errorf("send connected: %w", err)
	}
	start := startMsg{
		Event:          protocol.EventStart,
		SequenceNumber: next(),
		StreamSID:      streamSID,
		Start: startBody{
			StreamSID:  streamSID,
			AccountSID: accountSID,
			CallSID:    callSID,
			Tracks:     []string{"inbound"},
			MediaFormat: protocol.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: audio.TelephonySampleRate,
				Channels:   1,
			},
			CustomParameters: map[string]string(cfg.params),
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return rep, fmt.Errorf("send start: %w", err)
	}

	ticker := time.NewTicker(time.Duration(cfg.frameMS) * time.Millisecond)
	defer ticker.Stop()
	for i, frame := range frames {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case rep.inbound = <-readDone:
			return rep, errors.New("bridge closed the stream early")
		case <-ticker.C:
		}
		msg := mediaMsg{
			Event:          protocol.EventMedia,
			SequenceNumber: next(),
			StreamSID:      streamSID,
			Media: mediaBody{
				Track:     "inbound",
				Chunk:     strconv.Itoa(i + 1),
				Timestamp: strconv.Itoa(i * cfg.frameMS),
				Payload:   base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return rep, fmt.Errorf("send media %d: %w", i+1, err)
		}
		rep.framesSent++
	}
	if err := conn.WriteJSON(protocol.NewMarkFrame(streamSID, markCallerAudioEnd)); err != nil {
		return rep, fmt.Errorf("send mark: %w", err)
	}

	finished := false
	if cfg.drain > 0 {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case rep.inbound = <-readDone:
			finished = true
		case <-time.After(cfg.drain):
		}
	}

	stop := stopMsg{
		Event:          protocol.EventStop,
		SequenceNumber: next(),
		StreamSID:      streamSID,
		Stop:           stopBody{AccountSID: accountSID, CallSID: callSID},
	}
	_ = conn.WriteJSON(stop)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	if !finished {
		select {
		case rep.inbound = <-readDone:
		case <-time.After(2 * time.Second):
			_ = conn.Close()
			rep.inbound = <-readDone
		}
	}
	return rep, nil
}

func readLoop(conn *websocket.Conn, startedAt time.Time, out io.Writer, verbose bool) inbound {
	var in inbound
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return in
		}
		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose {
			fmt.Fprintf(out, "streamsim: recv event=%s bytes=%d\n", env.Event, len(data))
		}
		switch env.Event {
		case protocol.EventMedia:
			in.mediaReceived++
			if in.mediaReceived == 1 {
				in.firstMedia = time.Since(startedAt)
			}
			if env.Media != nil {
				if chunk, err := base64.StdEncoding.DecodeString(env.Media.Payload); err == nil {
					in.received = append(in.received, chunk...)
				}
			}
		case protocol.EventClear:
			in.clearsReceived++
		}
	}
}

func printReport(out io.Writer, rep report) {
	fmt.Fprintf(out, "streamsim: stream=%s frames_sent=%d media_received=%d clears_received=%d",
		rep.streamSID, rep.framesSent, rep.mediaReceived, rep.clearsReceived)
	if rep.mediaReceived > 0 {
		fmt.Fprintf(out, " first_media_ms=%d", rep.firstMedia.Milliseconds())
	}
	fmt.Fprintln(out)
}
