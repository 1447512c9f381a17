package device

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/narrator/pkg/audio"
)

func TestEmit_EmptyBufferNeverOpensDevice(t *testing.T) {
	out := New()
	if _, err := out.Emit(context.Background(), &audio.Buffer{SampleRate: 24000, Channels: 1}); !errors.Is(err, ErrEmptyBuffer) {
		t.Fatalf("got err %v, want ErrEmptyBuffer", err)
	}
	if shared.ctx != nil {
		t.Error("device should not be opened for an empty buffer")
	}
}

func TestEmit_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := &audio.Buffer{Samples: []float32{0.1}, SampleRate: 24000, Channels: 1}
	if _, err := New().Emit(ctx, buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}
}

func TestEncode_ConvertsToDeviceFormat(t *testing.T) {
	buf := &audio.Buffer{Samples: []float32{0.5, -0.5}, SampleRate: 24000, Channels: 1}
	got := encode(buf, audio.Format{SampleRate: 24000, Channels: 2})
	if len(got) != 4*4 {
		t.Fatalf("got %d bytes, want 16", len(got))
	}
	want := []float32{0.5, 0.5, -0.5, -0.5}
	for i, w := range want {
		if v := math.Float32frombits(binary.LittleEndian.Uint32(got[i*4:])); v != w {
			t.Errorf("sample %d: got %f, want %f", i, v, w)
		}
	}
}

func TestNew_WithFormat(t *testing.T) {
	out := New(WithFormat(44100, 1))
	if out.format.SampleRate != 44100 || out.format.Channels != 1 {
		t.Errorf("format: got %s", out.format)
	}
	out = New(WithFormat(0, -1))
	if out.format.SampleRate != DefaultSampleRate || out.format.Channels != DefaultChannels {
		t.Errorf("non-positive values should keep defaults, got %s", out.format)
	}
}
