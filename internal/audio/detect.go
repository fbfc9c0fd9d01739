package audio

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// Format identifies a supported container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOgg  Format = "ogg"
	FormatWebM Format = "webm"
)

var formatMIMEs = []struct {
	format Format
	mimes  []string
}{
	{FormatWAV, []string{"audio/wav"}},
	{FormatMP3, []string{"audio/mpeg"}},
	{FormatOgg, []string{"audio/ogg", "application/ogg", "audio/opus"}},
	{FormatWebM, []string{"video/webm", "audio/webm", "video/x-matroska"}},
}

// DetectFormat sniffs the container from the payload bytes. The detected MIME
// type and its parents are checked so e.g. an Ogg stream with an unknown codec
// still resolves to FormatOgg.
func DetectFormat(data []byte) (Format, error) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, candidate := range formatMIMEs {
			for _, mime := range candidate.mimes {
				if m.Is(mime) {
					return candidate.format, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: unsupported container %s", ErrInvalidFormat, detected.String())
}
