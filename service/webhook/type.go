package webhook

import (
	"context"

	"github.com/khaledhikmat/vs-firewatch/model"
)

type IService interface {
	Post(ctx context.Context, payload model.AlertPayload) error
}
