package yolo

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/classifier"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

type yoloClassifier struct {
	net       gocv.Net
	labels    []string
	floor     float32
	inputSize int
}

// NewFactory loads one ONNX network per slot.
// WARNING: gocv.Net is not thread-safe, so slots never share a network.
func NewFactory(params config.ClassifierParameters) (classifier.Factory, error) {
	if _, err := os.Stat(params.ModelPath); err != nil {
		return nil, fmt.Errorf("yolo model %s: %w", params.ModelPath, err)
	}

	lgr.Logger.Info("yolo classifier configured",
		slog.String("model", params.ModelPath),
		slog.Any("labels", params.Labels),
		slog.Float64("floor", params.ConfidenceFloor),
		slog.String("openCV", gocv.Version()),
	)

	return func(slot int) (classifier.IService, error) {
		net := gocv.ReadNet(params.ModelPath, "")
		if net.Empty() {
			return nil, fmt.Errorf("slot %d: error reading yolo model %s", slot, params.ModelPath)
		}

		if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
			net.Close()
			return nil, fmt.Errorf("slot %d: error setting backend: %w", slot, err)
		}

		if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
			net.Close()
			return nil, fmt.Errorf("slot %d: error setting target: %w", slot, err)
		}

		return &yoloClassifier{
			net:       net,
			labels:    params.Labels,
			floor:     float32(params.ConfidenceFloor),
			inputSize: params.InputSize,
		}, nil
	}, nil
}

func (c *yoloClassifier) Classify(ctx context.Context, payload []byte) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil || img.Empty() {
		img.Close()
		return nil, classifier.ErrDecode
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(c.inputSize, c.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")

	output := c.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected DNN output dims: %v", dims)
	}

	scaleX := float32(img.Cols()) / float32(c.inputSize)
	scaleY := float32(img.Rows()) / float32(c.inputSize)

	switch {
	case dims[1] == 4+len(c.labels):
		return c.candidatesV8(output, dims, scaleX, scaleY), nil
	case dims[2] == 5+len(c.labels):
		return c.candidatesV5(output, dims, scaleX, scaleY), nil
	default:
		return nil, fmt.Errorf("output dims %v do not match %d labels", dims, len(c.labels))
	}
}

func (c *yoloClassifier) Close() error {
	return c.net.Close()
}

// candidatesV8 reads [1, 4+classes, boxes] outputs (no objectness column).
func (c *yoloClassifier) candidatesV8(output gocv.Mat, dims []int, scaleX, scaleY float32) []model.Candidate {
	reshaped := output.Reshape(1, dims[1])
	defer reshaped.Close()

	var candidates []model.Candidate
	for col := 0; col < dims[2]; col++ {
		classID := -1
		score := float32(0)
		for j := range c.labels {
			s := reshaped.GetFloatAt(4+j, col)
			if s > score {
				score = s
				classID = j
			}
		}

		if classID < 0 || score < c.floor {
			continue
		}

		candidates = append(candidates, c.candidate(classID, score,
			reshaped.GetFloatAt(0, col), reshaped.GetFloatAt(1, col),
			reshaped.GetFloatAt(2, col), reshaped.GetFloatAt(3, col),
			scaleX, scaleY))
	}

	return candidates
}

// candidatesV5 reads [1, boxes, 5+classes] outputs where column 4 is objectness.
func (c *yoloClassifier) candidatesV5(output gocv.Mat, dims []int, scaleX, scaleY float32) []model.Candidate {
	reshaped := output.Reshape(1, dims[1])
	defer reshaped.Close()

	var candidates []model.Candidate
	for i := 0; i < reshaped.Rows(); i++ {
		objectness := reshaped.GetFloatAt(i, 4)
		if objectness < c.floor {
			continue
		}

		classID := -1
		classScore := float32(0)
		for j := range c.labels {
			s := reshaped.GetFloatAt(i, 5+j)
			if s > classScore {
				classScore = s
				classID = j
			}
		}

		finalConf := objectness * classScore
		if classID < 0 || finalConf < c.floor {
			continue
		}

		candidates = append(candidates, c.candidate(classID, finalConf,
			reshaped.GetFloatAt(i, 0), reshaped.GetFloatAt(i, 1),
			reshaped.GetFloatAt(i, 2), reshaped.GetFloatAt(i, 3),
			scaleX, scaleY))
	}

	return candidates
}

func (c *yoloClassifier) candidate(classID int, conf, cx, cy, w, h, scaleX, scaleY float32) model.Candidate {
	return model.Candidate{
		Label:      c.labels[classID],
		Confidence: float64(conf),
		X:          int((cx - w/2) * scaleX),
		Y:          int((cy - h/2) * scaleY),
		Width:      int(w * scaleX),
		Height:     int(h * scaleY),
	}
}
