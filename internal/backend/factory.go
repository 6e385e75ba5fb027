package backend

import (
	"context"
	"errors"
	"fmt"

	"flatmates/internal/amqp"
	"flatmates/internal/log"
	gsheet "flatmates/internal/sheets/google"
	"flatmates/internal/sheets/memory"
	"flatmates/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{logger: logger}
}

// CreateBackend opens the configured store, runs its Setup and, when an
// AMQP URL is configured, connects the event publisher. A broker that cannot
// be reached is logged and the backend runs without events.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		res *BackendResult
		err error
	)
	switch config.Type {
	case SQLiteBackend:
		res, err = f.createSQLiteBackend(config)
	case SheetsBackend:
		res, err = f.createSheetsBackend(ctx, config)
	case MemoryBackend:
		res, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := res.Backend.Setup(ctx); err != nil {
		_ = res.Close()
		return nil, fmt.Errorf("failed to set up %s backend: %w", config.Type, err)
	}

	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
		} else {
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
			res.Publisher = client
			storeCleanup := res.Cleanup
			res.Cleanup = func() error {
				var errs []error
				errs = append(errs, client.Close())
				if storeCleanup != nil {
					errs = append(errs, storeCleanup())
				}
				return errors.Join(errs...)
			}
		}
	}

	return res, nil
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, config.SeedFlatmates...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{
		Backend: repo,
		Cleanup: repo.Close,
	}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*BackendResult, error) {
	cli, err := gsheet.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	if len(config.SeedFlatmates) > 0 {
		cli.WithSeed(config.SeedFlatmates...)
	}

	f.logger.Info("Initialized Google Sheets backend")

	return &BackendResult{Backend: cli}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	dataDir := config.DataDirectory
	if dataDir == "" {
		dataDir = "data"
	}

	var store *memory.Store
	if len(config.SeedFlatmates) > 0 {
		store = memory.New(config.SeedFlatmates...)
	} else {
		store = memory.NewFromFiles(dataDir)
	}

	f.logger.Info("Initialized memory backend", "data_directory", dataDir)

	return &BackendResult{Backend: store}, nil
}
