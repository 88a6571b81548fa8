package media

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kradtv/pupild/internal/protocol"
)

type fakeWriter struct {
	videoConfigs []VideoSettings
	audioConfigs []AudioSettings
	videoSamples []VideoSample
	audioSamples []AudioSample
	stopped      bool
}

func (w *fakeWriter) ConfigureVideo(s VideoSettings) { w.videoConfigs = append(w.videoConfigs, s) }
func (w *fakeWriter) ConfigureAudio(s AudioSettings) { w.audioConfigs = append(w.audioConfigs, s) }
func (w *fakeWriter) AppendVideo(s VideoSample)      { w.videoSamples = append(w.videoSamples, s) }
func (w *fakeWriter) AppendAudio(s AudioSample)      { w.audioSamples = append(w.audioSamples, s) }
func (w *fakeWriter) Stop()                          { w.stopped = true }

type fakeThumbnailer struct {
	sps, pps  []byte
	keyframes [][][]byte
	stopped   bool
}

func (f *fakeThumbnailer) SetParams(sps, pps []byte) { f.sps, f.pps = sps, pps }
func (f *fakeThumbnailer) Keyframe(nalus [][]byte)   { f.keyframes = append(f.keyframes, nalus) }
func (f *fakeThumbnailer) Stop()                     { f.stopped = true }

func newTestIngest(t *testing.T, interval int) (*Ingest, *fakeWriter, *fakeThumbnailer) {
	t.Helper()
	w := &fakeWriter{}
	th := &fakeThumbnailer{}
	in := NewIngest(func(protocol.StreamType) (Writer, error) { return w, nil }, th, interval, nil)
	return in, w, th
}

func videoPayload(t *testing.T, sync bool, timescale uint32, nalus ...[]byte) []byte {
	t.Helper()
	b, err := VideoSample{Sync: sync, Timescale: timescale, Duration: 1001, NALUs: nalus}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal video sample: %v", err)
	}
	return b
}

func audioPayload(t *testing.T, rate uint32, channels uint8) []byte {
	t.Helper()
	b, err := AudioSample{SampleRate: rate, Channels: channels, Duration: 1024, Data: []byte{0xFA}}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal audio sample: %v", err)
	}
	return b
}

func TestSetStreamTypeFirstWins(t *testing.T) {
	t.Parallel()

	var built int
	in := NewIngest(func(protocol.StreamType) (Writer, error) {
		built++
		return &fakeWriter{}, nil
	}, nil, 5, nil)

	if !in.SetStreamType(protocol.StreamVideo) {
		t.Fatal("first SetStreamType did not initialize")
	}
	if in.SetStreamType(protocol.StreamAudio) {
		t.Fatal("second SetStreamType reported initialization")
	}
	if built != 1 {
		t.Fatalf("writer factory ran %d times, want 1", built)
	}
}

func TestSetStreamTypeFactoryFailureTolerated(t *testing.T) {
	t.Parallel()

	in := NewIngest(func(protocol.StreamType) (Writer, error) {
		return nil, errors.New("mkdir failed")
	}, nil, 5, nil)

	in.SetStreamType(protocol.StreamVideo)

	// Samples must be dropped quietly, never panic.
	in.HandleVideo(videoPayload(t, true, 30000, []byte{0x65, 0x01}))
	in.HandleAudio(audioPayload(t, 48000, 2))
	in.Stop()
}

func TestVideoConfiguredOnceThenOnChange(t *testing.T) {
	t.Parallel()

	in, w, _ := newTestIngest(t, 5)
	in.SetStreamType(protocol.StreamVideo)
	in.SetParams([][]byte{{0x00, 0x67, 0x42}, {0x00, 0x68, 0xCE}})
	in.SetDimensions(protocol.Dimensions{Width: 1280, Height: 720})

	in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, 0x01}))
	in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, 0x02}))
	if len(w.videoConfigs) != 1 {
		t.Fatalf("writer configured %d times, want 1", len(w.videoConfigs))
	}

	// Mid-stream resolution change must force exactly one reconfiguration.
	in.SetDimensions(protocol.Dimensions{Width: 1920, Height: 1080})
	in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, 0x03}))
	in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, 0x04}))

	if len(w.videoConfigs) != 2 {
		t.Fatalf("writer configured %d times, want 2", len(w.videoConfigs))
	}
	if w.videoConfigs[1].Dimensions.Width != 1920 {
		t.Fatalf("second configure width %d, want 1920", w.videoConfigs[1].Dimensions.Width)
	}
	if len(w.videoSamples) != 4 {
		t.Fatalf("appended %d samples, want 4", len(w.videoSamples))
	}
}

func TestVideoForwardedBeforeConfiguration(t *testing.T) {
	t.Parallel()

	in, w, _ := newTestIngest(t, 5)
	in.SetStreamType(protocol.StreamVideo)

	// No params or dimensions yet: unconfigured samples still flow.
	in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, 0x01}))

	if len(w.videoConfigs) != 0 {
		t.Fatal("writer configured without params and dimensions")
	}
	if len(w.videoSamples) != 1 {
		t.Fatalf("appended %d samples, want 1", len(w.videoSamples))
	}
}

func TestAudioSettingsDerivedEverySample(t *testing.T) {
	t.Parallel()

	in, w, _ := newTestIngest(t, 5)
	in.SetStreamType(protocol.StreamAudio)

	in.HandleAudio(audioPayload(t, 48000, 2))
	in.HandleAudio(audioPayload(t, 44100, 1))

	if len(w.audioConfigs) != 2 {
		t.Fatalf("audio configured %d times, want 2", len(w.audioConfigs))
	}
	if w.audioConfigs[1].SampleRate != 44100 || w.audioConfigs[1].Channels != 1 {
		t.Fatalf("second audio config %+v", w.audioConfigs[1])
	}
	if len(w.audioSamples) != 2 {
		t.Fatalf("appended %d samples, want 2", len(w.audioSamples))
	}
}

func TestThumbnailCadence(t *testing.T) {
	t.Parallel()

	in, _, th := newTestIngest(t, 5)
	in.SetStreamType(protocol.StreamVideo)
	in.SetParams([][]byte{{0x00, 0x67, 0x42}, {0x00, 0x68, 0xCE}})
	in.SetDimensions(protocol.Dimensions{Width: 640, Height: 360})

	// 15 sync frames at interval 5: exactly 3 extractions.
	for i := 0; i < 15; i++ {
		in.HandleVideo(videoPayload(t, true, 30000, []byte{0x65, byte(i)}))
	}

	if len(th.keyframes) != 3 {
		t.Fatalf("got %d extractions, want 3", len(th.keyframes))
	}
	if in.keyframes != 0 {
		t.Fatalf("keyframe counter %d after extraction, want 0", in.keyframes)
	}
	if !bytes.Equal(th.sps, []byte{0x67, 0x42}) {
		t.Fatalf("sps marker byte not stripped: %x", th.sps)
	}
	if !bytes.Equal(th.pps, []byte{0x68, 0xCE}) {
		t.Fatalf("pps marker byte not stripped: %x", th.pps)
	}
}

func TestThumbnailSkipsNonSyncFrames(t *testing.T) {
	t.Parallel()

	in, _, th := newTestIngest(t, 2)
	in.SetStreamType(protocol.StreamVideo)
	in.SetParams([][]byte{{0x00, 0x67}, {0x00, 0x68}})
	in.SetDimensions(protocol.Dimensions{Width: 640, Height: 360})

	for i := 0; i < 10; i++ {
		in.HandleVideo(videoPayload(t, false, 30000, []byte{0x41, byte(i)}))
	}
	if len(th.keyframes) != 0 {
		t.Fatalf("non-sync frames triggered %d extractions", len(th.keyframes))
	}
}

func TestThumbnailRetriesWhenParamsArriveLate(t *testing.T) {
	t.Parallel()

	in, _, th := newTestIngest(t, 2)
	in.SetStreamType(protocol.StreamVideo)
	in.SetDimensions(protocol.Dimensions{Width: 640, Height: 360})

	// The counter fills before any parameter sets exist; those frames
	// must not restart the interval.
	for i := 0; i < 3; i++ {
		in.HandleVideo(videoPayload(t, true, 30000, []byte{0x65, byte(i)}))
	}
	if len(th.keyframes) != 0 {
		t.Fatalf("extracted %d thumbnails without params", len(th.keyframes))
	}

	// The very next sync frame after params arrive extracts.
	in.SetParams([][]byte{{0x00, 0x67, 0x42}, {0x00, 0x68, 0xCE}})
	in.HandleVideo(videoPayload(t, true, 30000, []byte{0x65, 0xAA}))

	if len(th.keyframes) != 1 {
		t.Fatalf("got %d extractions, want 1", len(th.keyframes))
	}
	if in.keyframes != 0 {
		t.Fatalf("keyframe counter %d after extraction, want 0", in.keyframes)
	}
}

func TestStopStopsWriterAndThumbnailer(t *testing.T) {
	t.Parallel()

	in, w, th := newTestIngest(t, 5)
	in.SetStreamType(protocol.StreamVideo)
	in.Stop()
	if !w.stopped {
		t.Fatal("writer not stopped")
	}
	if !th.stopped {
		t.Fatal("thumbnailer not stopped")
	}
}
