package orphan

import "github.com/khaledhikmat/vs-firewatch/model"

type IService interface {
	// Subscribe starts delivering batches of orphaned cameras. The same
	// channel is returned across subscriptions.
	Subscribe() (<-chan []model.Camera, error)
	// Unsubscribe stops deliveries until the next Subscribe.
	Unsubscribe() error
	Finalize()
}
