package storage

import "context"

type IService interface {
	// StoreFile persists an alert snapshot and returns where it can be found.
	StoreFile(ctx context.Context, name string, data []byte) (string, error)
}
