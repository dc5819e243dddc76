package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-ntfs/internal/config"
	"github.com/deploymenttheory/go-ntfs/internal/logger"
	"github.com/deploymenttheory/go-ntfs/pkg/services"
)

var (
	// Global flags
	verbose      bool
	outputFormat string
	configPath   string
	imagePath    string
)

var rootCmd = &cobra.Command{
	Use:   "go-ntfs",
	Short: "NTFS MFT metadata diagnostics",
	Long: `go-ntfs decodes the metadata of NTFS volumes: MFT records, attribute
run-lists and the mapping from file offsets to volume blocks.

It reads raw record images, volume images or the volume configured in
go-ntfs.yaml. It is a diagnostic over the decoder, not a file manager.

Commands:
  info        Show the geometry and allocation state of a volume
  record      Decode one MFT record
  runlist     Decode packed mapping pairs
  map         Map a file offset to a volume block`,
	Version: "0.1.0-dev",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			return nil
		}
		return logger.InitLogger(logger.LoggerConfig{
			Debug:     verbose,
			LogFormat: "human",
		})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: go-ntfs.yaml in the search paths)")
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "", "volume image file, opened read-only; overrides the configured device")
}

// loadOptions reads the configuration and applies the global flags
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		opts.Log.Level = "debug"
	}
	if imagePath != "" {
		opts.Device.Backend = "file"
		opts.Device.Path = imagePath
		opts.Device.ReadOnly = true
	}
	return opts, nil
}

// openVolume mounts the configured volume
func openVolume(ctx context.Context) (*services.VolumeServiceImpl, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	dev, fresh, err := services.OpenDevice(opts.Device)
	if err != nil {
		return nil, err
	}
	svc, err := services.NewVolumeService(ctx, opts, dev, services.VolumeOptions{
		Format:  fresh,
		Backend: opts.Device.Backend,
		Path:    opts.Device.Path,
		Logger:  logger.Component("cli"),
	})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return svc, nil
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
