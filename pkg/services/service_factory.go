package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/config"
	"github.com/deploymenttheory/go-ntfs/internal/device"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/logger"
	"github.com/deploymenttheory/go-ntfs/internal/metrics"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ServiceFactory provides a centralized way to open a volume from
// configuration and hand out its services
type ServiceFactory struct {
	opts          *config.Options
	log           *zap.SugaredLogger
	volumeService *VolumeServiceImpl
	mu            sync.RWMutex
	initialized   bool
}

// NewServiceFactory creates a new service factory. Nil options select the
// defaults: a formatted in-memory volume.
func NewServiceFactory(opts *config.Options) *ServiceFactory {
	return &ServiceFactory{opts: opts}
}

// WithLogger makes the factory log through l instead of building a logger
// from the options
func (sf *ServiceFactory) WithLogger(l *zap.SugaredLogger) *ServiceFactory {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.log = l
	return sf
}

// Initialize opens the device and mounts the volume
func (sf *ServiceFactory) Initialize() error {
	return sf.InitializeContext(context.Background())
}

// InitializeContext is Initialize with a context bounding the record scan
func (sf *ServiceFactory) InitializeContext(ctx context.Context) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.initialized {
		return nil
	}

	opts := sf.opts
	if opts == nil {
		opts = config.Default()
	}
	if err := config.Validate(opts); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := sf.log
	if log == nil {
		l, err := logger.NewLogger(logger.LoggerConfig{
			Debug:     opts.Log.Level == "debug",
			LogFormat: opts.Log.Format,
			LogFile:   opts.Log.File,
		})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		log = l
	}

	dev, fresh, err := OpenDevice(opts.Device)
	if err != nil {
		return err
	}

	mapping, lifecycle := volumeMetrics()
	svc, err := NewVolumeService(ctx, opts, dev, VolumeOptions{
		Format:           fresh,
		Backend:          opts.Device.Backend,
		Path:             devicePath(opts.Device),
		Logger:           log.With("component", "volume"),
		MappingMetrics:   mapping,
		LifecycleMetrics: lifecycle,
	})
	if err != nil {
		dev.Close()
		return err
	}

	sf.opts = opts
	sf.log = log
	sf.volumeService = svc
	sf.initialized = true
	return nil
}

// VolumeService returns the volume service instance
func (sf *ServiceFactory) VolumeService() (VolumeService, error) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	if !sf.initialized {
		sf.mu.RUnlock()
		if err := sf.Initialize(); err != nil {
			sf.mu.RLock()
			return nil, err
		}
		sf.mu.RLock()
	}

	if sf.volumeService == nil {
		return nil, ErrServiceNotAvailable
	}
	return sf.volumeService, nil
}

// Shutdown syncs and closes the volume
func (sf *ServiceFactory) Shutdown() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.initialized {
		return nil
	}

	var err error
	if sf.volumeService != nil {
		err = sf.volumeService.Close()
	}

	sf.volumeService = nil
	sf.initialized = false
	return err
}

// IsInitialized returns whether the factory has been initialized
func (sf *ServiceFactory) IsInitialized() bool {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.initialized
}

// ServiceInfo represents information about a service
type ServiceInfo struct {
	Name        string
	Description string
	Available   bool
	Version     string
}

// ListAvailableServices returns information about all available services
func (sf *ServiceFactory) ListAvailableServices() []ServiceInfo {
	return []ServiceInfo{
		{
			Name:        "volume",
			Description: "Record materialization, block mapping, file I/O and inode lifecycle over one volume",
			Available:   true,
			Version:     "1.0.0",
		},
		{
			Name:        "metrics",
			Description: "Prometheus counters for block mapping and inode lifecycle",
			Available:   metrics.IsEnabled(),
			Version:     "1.0.0",
		},
	}
}

// OpenDevice opens the configured block device backend. fresh reports a
// device that holds no volume yet and must be formatted.
func OpenDevice(opts config.DeviceOptions) (dev interfaces.BlockDevice, fresh bool, err error) {
	switch opts.Backend {
	case "memory":
		return device.NewMemory(opts.Size), true, nil

	case "badger":
		bd, err := device.OpenBadger(device.BadgerConfig{
			Dir:      opts.BadgerDir,
			Size:     opts.Size,
			ReadOnly: opts.ReadOnly,
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to open badger device: %w", err)
		}
		chunks, err := bd.StoredChunks()
		if err != nil {
			bd.Close()
			return nil, false, fmt.Errorf("failed to inspect badger device: %w", err)
		}
		return bd, chunks == 0 && !opts.ReadOnly, nil

	case "file":
		if _, err := os.Stat(opts.Path); errors.Is(err, os.ErrNotExist) && !opts.ReadOnly && opts.Size > 0 {
			fd, err := device.CreateFile(opts.Path, opts.Size)
			if err != nil {
				return nil, false, err
			}
			return fd, true, nil
		}
		fd, err := device.OpenFile(opts.Path, opts.Offset, opts.ReadOnly)
		if err != nil {
			return nil, false, err
		}
		return fd, false, nil

	default:
		return nil, false, fmt.Errorf("device backend %q: %w", opts.Backend, types.ErrNotSupported)
	}
}

func devicePath(opts config.DeviceOptions) string {
	switch opts.Backend {
	case "file":
		return opts.Path
	case "badger":
		return opts.BadgerDir
	default:
		return ""
	}
}

var (
	metricsMu        sync.Mutex
	mappingMetrics   metrics.MappingMetrics
	lifecycleMetrics metrics.LifecycleMetrics
)

// volumeMetrics returns the process-wide metric sets, creating them on the
// first call after the registry was initialized.
func volumeMetrics() (metrics.MappingMetrics, metrics.LifecycleMetrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if mappingMetrics == nil && metrics.IsEnabled() {
		mappingMetrics = metrics.NewMappingMetrics()
		lifecycleMetrics = metrics.NewLifecycleMetrics()
	}
	return mappingMetrics, lifecycleMetrics
}

// Common errors
var (
	ErrServiceNotAvailable = fmt.Errorf("service not available")
)

// DefaultServiceFactory is the default global service factory instance
var DefaultServiceFactory = NewServiceFactory(nil)

// GetVolumeService returns the volume service of the default factory
func GetVolumeService() (VolumeService, error) {
	return DefaultServiceFactory.VolumeService()
}

// InitializeServices initializes all services using the default factory
func InitializeServices() error {
	return DefaultServiceFactory.Initialize()
}

// ShutdownServices shuts down all services using the default factory
func ShutdownServices() error {
	return DefaultServiceFactory.Shutdown()
}
