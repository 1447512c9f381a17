package cache

import (
	"encoding/binary"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// entryMagic prefixes every payload written by [Entry.MarshalBinary].
const entryMagic = "NRC1"

// entryHeaderSize is magic + provider + encoding + sample rate + channels.
const entryHeaderSize = len(entryMagic) + 1 + 1 + 4 + 1

// Entry is the durable form of a synthesis result: the provider's raw bytes
// plus enough format information to decode them again. Entries are never
// mutated once written.
type Entry struct {
	// Provider is the backend that produced Data. After a failover it
	// differs from the provider the fingerprint was computed for.
	Provider tts.Kind
	Encoding pcm.Encoding
	Format   audio.Format
	MIME     string
	Data     []byte
}

// MarshalBinary encodes e as magic, provider byte, encoding byte,
// little-endian uint32 sample rate, channel byte and payload. MIME is not
// stored; it is derived from the encoding on the way back.
func (e Entry) MarshalBinary() ([]byte, error) {
	out := make([]byte, entryHeaderSize, entryHeaderSize+len(e.Data))
	copy(out, entryMagic)
	out[4] = byte(e.Provider)
	out[5] = byte(e.Encoding)
	binary.LittleEndian.PutUint32(out[6:10], uint32(max(e.Format.SampleRate, 0)))
	out[10] = byte(min(max(e.Format.Channels, 0), 255))
	return append(out, e.Data...), nil
}

// UnmarshalEntry decodes a durable payload. Payloads without the header are
// taken as raw provider bytes of unknown encoding, which the decoder sniffs.
func UnmarshalEntry(b []byte) Entry {
	if len(b) < entryHeaderSize || string(b[:len(entryMagic)]) != entryMagic {
		return Entry{Data: b}
	}
	e := Entry{
		Provider: tts.Kind(b[4]),
		Encoding: pcm.Encoding(b[5]),
		Format: audio.Format{
			SampleRate: int(binary.LittleEndian.Uint32(b[6:10])),
			Channels:   int(b[10]),
		},
		Data: b[entryHeaderSize:],
	}
	switch e.Encoding {
	case pcm.EncodingPCM:
		e.MIME = "audio/L16"
		if pcm.HasWAVHeader(e.Data) {
			e.MIME = "audio/wav"
		}
	case pcm.EncodingContainer:
		e.MIME = "audio/mpeg"
	}
	return e
}

// Decode turns the entry into a playable buffer.
func (e Entry) Decode(d *pcm.Decoder) (*audio.Buffer, error) {
	return d.DecodeAs(e.Data, e.Encoding, e.Format)
}
