package capture

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-firewatch/pipeline"
)

const DefaultJPEGQuality = 90

type jpegEncoder struct {
	quality int
}

func NewJPEGEncoder(quality int) pipeline.Encoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &jpegEncoder{quality: quality}
}

func (e *jpegEncoder) Encode(frame pipeline.Frame) ([]byte, error) {
	img, ok := frame.Buffer.(*gocv.Mat)
	if !ok || img == nil || img.Empty() {
		return nil, fmt.Errorf("%w: frame %d has no image", pipeline.ErrEncode, frame.Index)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *img, []int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrEncode, err)
	}
	defer buf.Close()

	// the native buffer is released on Close, keep a Go copy
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
