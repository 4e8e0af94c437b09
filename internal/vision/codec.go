package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"golang.org/x/image/vp8"
	_ "golang.org/x/image/webp"
)

// DecodeError reports a frame payload that could not be turned into a Frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeBase64 decodes a base64 payload, optionally wrapped in a data URL,
// and then the image inside it.
func DecodeBase64(payload string) (*Frame, error) {
	data, err := decodeBase64Payload(payload)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func decodeBase64Payload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, &DecodeError{Reason: "malformed data url"}
		}
		if !strings.HasSuffix(payload[:comma], ";base64") {
			return nil, &DecodeError{Reason: "data url is not base64"}
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, &DecodeError{Reason: "invalid base64", Err: err}
		}
		data = raw
	}
	return data, nil
}

// Decode turns an encoded still image into a Frame in canonical RGB order.
func Decode(data []byte) (frame *Frame, err error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	defer func() {
		if r := recover(); r != nil {
			frame = nil
			err = &DecodeError{Reason: "corrupt encoding", Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()

	var img image.Image
	if isVP8Keyframe(data) {
		img, err = decodeVP8(data)
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, &DecodeError{Reason: "corrupt encoding", Err: err}
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid dimensions %dx%d", bounds.Dx(), bounds.Dy())}
	}
	if !supportedColorModel(img) {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported color depth %T", img)}
	}

	return toRGB(img), nil
}

// Encode writes the frame as a lossless PNG.
func Encode(frame *Frame) ([]byte, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) < frame.Stride()*frame.Height {
		return nil, fmt.Errorf("encode frame: invalid frame buffer")
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := frame.Pix[y*frame.Stride() : (y+1)*frame.Stride()]
		dst := img.Pix[y*img.Stride : y*img.Stride+frame.Width*4]
		for x := 0; x < frame.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func supportedColorModel(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64,
		*image.YCbCr, *image.NYCbCrA, *image.Gray, *image.Gray16,
		*image.CMYK, *image.Paletted:
		return true
	default:
		return false
	}
}

func toRGB(img image.Image) *Frame {
	b := img.Bounds()
	frame := &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]byte, b.Dx()*b.Dy()*3),
	}

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < frame.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			out := frame.Pix[y*frame.Stride():]
			for x := 0; x < frame.Width; x++ {
				out[x*3] = row[x*4]
				out[x*3+1] = row[x*4+1]
				out[x*3+2] = row[x*4+2]
			}
		}
		return frame
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			frame.Pix[i] = c.R
			frame.Pix[i+1] = c.G
			frame.Pix[i+2] = c.B
			i += 3
		}
	}
	return frame
}

// isVP8Keyframe sniffs a raw VP8 keyframe by its start code.
func isVP8Keyframe(data []byte) bool {
	return len(data) >= 10 && data[0]&0x01 == 0 &&
		data[3] == 0x9d && data[4] == 0x01 && data[5] == 0x2a
}

func decodeVP8(data []byte) (image.Image, error) {
	decoder := vp8.NewDecoder()
	decoder.Init(bytes.NewReader(data), len(data))

	fh, err := decoder.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	if fh.Width == 0 || fh.Height == 0 {
		return nil, fmt.Errorf("invalid frame dimensions: %dx%d", fh.Width, fh.Height)
	}

	img, err := decoder.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
