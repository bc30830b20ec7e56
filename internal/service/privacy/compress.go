package privacy

import (
	"bytes"
	"encoding/base64"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const dataURLPrefix = "data:image/jpeg;base64,"

// ErrConsumed is returned when an Anonymized buffer is compressed twice.
var ErrConsumed = errors.New("anonymized buffer already compressed")

// EncodedImage is an anonymized capture encoded as JPEG. The only way to
// obtain one is Compress.
type EncodedImage struct {
	data   []byte
	width  int
	height int
}

// Compress encodes the anonymized pixels as JPEG at the given quality
// (1..100) and releases the pixel buffer.
func Compress(a *Anonymized, quality int) (EncodedImage, error) {
	if a == nil || a.img == nil {
		return EncodedImage{}, ErrConsumed
	}
	if quality < 1 || quality > 100 {
		return EncodedImage{}, errors.Errorf("jpeg quality %d out of range", quality)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, a.img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return EncodedImage{}, errors.Wrap(err, "encoding jpeg")
	}

	b := a.img.Bounds()
	a.img = nil
	return EncodedImage{data: buf.Bytes(), width: b.Dx(), height: b.Dy()}, nil
}

// IsZero reports whether e holds no image.
func (e EncodedImage) IsZero() bool { return len(e.data) == 0 }

// Bytes returns the JPEG bytes. The slice must not be modified.
func (e EncodedImage) Bytes() []byte { return e.data }

func (e EncodedImage) Len() int    { return len(e.data) }
func (e EncodedImage) Width() int  { return e.width }
func (e EncodedImage) Height() int { return e.height }

// DataURL returns the image as a "data:image/jpeg;base64,..." URL, or "" for
// the zero value.
func (e EncodedImage) DataURL() string {
	if e.IsZero() {
		return ""
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(e.data)
}
