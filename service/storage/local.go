package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/khaledhikmat/vs-firewatch/service/config"
)

type localService struct {
	CfgSvc config.IService
	folder string
}

// NewLocal stores snapshots under <recordingsFolder>/<prefix>.
func NewLocal(cfgsvc config.IService) (IService, error) {
	folder := filepath.Join(cfgsvc.GetRecordingsFolder(), cfgsvc.GetStorageParameters().Prefix)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, fmt.Errorf("creating storage folder %s: %w", folder, err)
	}

	abs, err := filepath.Abs(folder)
	if err != nil {
		return nil, err
	}

	return &localService{
		CfgSvc: cfgsvc,
		folder: abs,
	}, nil
}

func (svc *localService) StoreFile(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(svc.folder, filepath.Base(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("storing %s: %w", name, err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String(), nil
}
