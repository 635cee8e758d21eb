package blobstore

import "fmt"

// Config is the subset of configuration needed to construct a Store. It
// mirrors config.BlobConfig without importing the config package, keeping
// blobstore free of a dependency on the rest of the application.
type Config struct {
	Backend   string
	LocalRoot string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// New constructs a Store from cfg, dispatching on cfg.Backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalRoot)
	case "s3":
		return NewS3Store(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
