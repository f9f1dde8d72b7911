// Package capture gives out local media tracks for calls.
//
// There are no real devices behind the tracks: audio tracks play silence
// and video tracks send whatever is written into them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// an Opus frame of silence
var silence = []byte{0xf8, 0xff, 0xfe}

const frame = 20 * time.Millisecond

type Config struct {
	Audio      bool
	Video      bool
	AudioCodec string
	VideoCodec string
}

// Devices implements track acquisition for the call engine.
type Devices struct {
	conf Config
	log  *logger.Logger
}

func New(conf Config, log *logger.Logger) *Devices {
	return &Devices{conf: conf, log: log.Tag("cap")}
}

func (d *Devices) Acquire(ctx context.Context, kind negotiation.TrackKind) (negotiation.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case negotiation.Audio:
		if !d.conf.Audio {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, kind)
		}
		t, err := newTrack(kind, d.conf.AudioCodec, d.log)
		if err != nil {
			return nil, err
		}
		go t.play(silence)
		return t, nil
	case negotiation.Video:
		if !d.conf.Video {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, kind)
		}
		return newTrack(kind, d.conf.VideoCodec, d.log)
	}
	return nil, fmt.Errorf("%w: %v", ErrNoDevice, kind)
}

// Track is a local track fed with encoded samples.
type Track struct {
	kind    negotiation.TrackKind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	done chan struct{}
	once sync.Once
	log  *logger.Logger
}

var samplePool sync.Pool

func newTrack(kind negotiation.TrackKind, codec string, log *logger.Logger) (*Track, error) {
	mime, err := mimeType(kind, codec)
	if err != nil {
		return nil, err
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "peerlink")
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, local: local, done: make(chan struct{}), log: log}
	t.enabled.Store(true)
	log.Debug().Msgf("Added [%s] track", mime)
	return t, nil
}

func (t *Track) Kind() negotiation.TrackKind   { return t.kind }
func (t *Track) Enabled() bool                 { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) Stop() { t.once.Do(func() { close(t.done) }) }

func (t *Track) IsStopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// WriteSample sends one encoded frame, frames of disabled
// or stopped tracks are dropped.
func (t *Track) WriteSample(data []byte, dur time.Duration) error {
	if !t.Enabled() || t.IsStopped() {
		return nil
	}
	sample, _ := samplePool.Get().(*media.Sample)
	if sample == nil {
		sample = new(media.Sample)
	}
	sample.Data = data
	sample.Duration = dur
	err := t.local.WriteSample(*sample)
	samplePool.Put(sample)
	return err
}

// play repeats the frame until the track is stopped.
func (t *Track) play(data []byte) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.WriteSample(data, frame); err != nil {
				t.log.Error().Err(err).Msgf("%v frame", t.kind)
			}
		case <-t.done:
			return
		}
	}
}

func mimeType(kind negotiation.TrackKind, codec string) (mime string, err error) {
	codec = strings.ToLower(codec)
	switch kind {
	case negotiation.Audio:
		switch codec {
		case "opus", "":
			mime = webrtc.MimeTypeOpus
		}
	case negotiation.Video:
		switch codec {
		case "h264":
			mime = webrtc.MimeTypeH264
		case "vpx", "vp8", "":
			mime = webrtc.MimeTypeVP8
		case "vp9":
			mime = webrtc.MimeTypeVP9
		}
	}
	if mime == "" {
		return "", fmt.Errorf("%w %s:%s", ErrUnsupportedCodec, kind, codec)
	}
	return mime, nil
}
