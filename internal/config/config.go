// Package config loads volume and session options with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Perm is a permission mask written in octal ("0022").
type Perm uint32

func (p Perm) String() string {
	return fmt.Sprintf("%04o", uint32(p))
}

// Options holds everything a session needs to know about the volume.
type Options struct {
	// Volume geometry
	RecordSize   int    `mapstructure:"record_size" validate:"oneof=1024 4096"`
	ClusterSize  uint32 `mapstructure:"cluster_size" validate:"required,pow2,min=512,max=2097152"`
	BlockSize    uint32 `mapstructure:"block_size" validate:"required,pow2,min=512"`
	SectorSize   uint32 `mapstructure:"sector_size" validate:"oneof=512 1024 2048 4096"`
	ClusterWidth uint   `mapstructure:"cluster_width" validate:"oneof=32 64"`
	// MFTLCN is the first cluster of $MFT.
	MFTLCN uint64 `mapstructure:"mft_lcn"`
	// MFTRecords is the number of records the record pool may hand out.
	MFTRecords uint64 `mapstructure:"mft_records" validate:"min=16"`

	// Ownership and permissions
	UID          uint32 `mapstructure:"uid"`
	GID          uint32 `mapstructure:"gid"`
	FMask        Perm   `mapstructure:"fmask" validate:"max=511"`
	DMask        Perm   `mapstructure:"dmask" validate:"max=511"`
	SysImmutable bool   `mapstructure:"sys_immutable"`

	// Creation and I/O policy
	Sparse              bool   `mapstructure:"sparse"`
	CaseSensitive       bool   `mapstructure:"case_sensitive"`
	MaxReparseSize      int    `mapstructure:"max_reparse_size" validate:"min=24,max=16384"`
	DirectIOMaxTransfer uint32 `mapstructure:"direct_io_max_transfer"`
	DefaultSecurityID   uint32 `mapstructure:"default_security_id"`

	Log    LogOptions    `mapstructure:"log"`
	Device DeviceOptions `mapstructure:"device"`
}

// LogOptions configures the logger.
type LogOptions struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=human json"`
	File   string `mapstructure:"file"`
}

// DeviceOptions selects the block device backend.
type DeviceOptions struct {
	Backend   string `mapstructure:"backend" validate:"oneof=file memory badger"`
	Path      string `mapstructure:"path" validate:"required_if=Backend file"`
	Offset    int64  `mapstructure:"offset"`
	ReadOnly  bool   `mapstructure:"read_only"`
	BadgerDir string `mapstructure:"badger_dir"`
	Size      int64  `mapstructure:"size" validate:"min=0"`
}

// ClustersPerBlock returns how many host blocks make up a cluster, or 1 when
// blocks are larger than clusters.
func (o *Options) ClustersPerBlock() uint32 {
	if o.BlockSize >= o.ClusterSize {
		return 1
	}
	return o.ClusterSize / o.BlockSize
}

// MaxClusters returns the cluster count addressable with the configured width.
func (o *Options) MaxClusters() uint64 {
	if o.ClusterWidth >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << o.ClusterWidth
}

// setDefaults registers the default value of every option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("record_size", 1024)
	v.SetDefault("cluster_size", 4096)
	v.SetDefault("block_size", 4096)
	v.SetDefault("sector_size", 512)
	v.SetDefault("cluster_width", 32)
	v.SetDefault("mft_lcn", 4)
	v.SetDefault("mft_records", 256)

	v.SetDefault("uid", 0)
	v.SetDefault("gid", 0)
	v.SetDefault("fmask", "0022")
	v.SetDefault("dmask", "0022")
	v.SetDefault("sys_immutable", false)

	v.SetDefault("sparse", false)
	v.SetDefault("case_sensitive", false)
	v.SetDefault("max_reparse_size", 16*1024)
	v.SetDefault("direct_io_max_transfer", 0)
	v.SetDefault("default_security_id", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
	v.SetDefault("log.file", "")

	v.SetDefault("device.backend", "memory")
	v.SetDefault("device.path", "")
	v.SetDefault("device.offset", 0)
	v.SetDefault("device.read_only", false)
	v.SetDefault("device.badger_dir", "")
	v.SetDefault("device.size", 16*1024*1024)
}

// setupViper configures config file discovery and the environment.
func setupViper(v *viper.Viper, configPath string) {
	setDefaults(v)

	v.SetEnvPrefix("GO_NTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("go-ntfs")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".go-ntfs"))
	}
	v.AddConfigPath("/etc/go-ntfs")
}

// Load reads options from configPath (or the default search paths), the
// GO_NTFS_* environment and the defaults, then validates them.
func Load(configPath string) (*Options, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// Default returns the validated default options.
func Default() *Options {
	v := viper.New()
	setDefaults(v)
	opts, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default options are invalid: %v", err))
	}
	return opts
}

func decode(v *viper.Viper) (*Options, error) {
	var opts Options
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		octalPermHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&opts, hook); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := Validate(&opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// octalPermHook parses strings such as "0022" into a Perm.
func octalPermHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(Perm(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return Perm(0), nil
		}
		n, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid octal permission mask %q: %w", s, err)
		}
		return Perm(n), nil
	}
}
