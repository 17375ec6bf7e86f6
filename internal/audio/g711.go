package audio

import "github.com/zaf/g711"

// G711Rate is the sample rate of telephony G.711 payloads.
const G711Rate = 8000

// DecodeUlaw expands 8 kHz mono µ-law bytes into int16 PCM.
func DecodeUlaw(data []byte) Buffer {
	return Buffer{SampleRate: G711Rate, Channels: 1, Format: Int16, Samples: g711.DecodeUlaw(data)}
}

// DecodeAlaw expands 8 kHz mono A-law bytes into int16 PCM.
func DecodeAlaw(data []byte) Buffer {
	return Buffer{SampleRate: G711Rate, Channels: 1, Format: Int16, Samples: g711.DecodeAlaw(data)}
}

// EncodeUlaw compresses an int16 buffer to µ-law, converting it to 8 kHz mono first.
func EncodeUlaw(b Buffer) []byte {
	b = Convert(b, Layout{SampleRate: G711Rate, Channels: 1, Format: Int16})
	return g711.EncodeUlaw(b.Samples)
}

// EncodeAlaw compresses an int16 buffer to A-law, converting it to 8 kHz mono first.
func EncodeAlaw(b Buffer) []byte {
	b = Convert(b, Layout{SampleRate: G711Rate, Channels: 1, Format: Int16})
	return g711.EncodeAlaw(b.Samples)
}
