package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-ntfs/pkg/services"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the geometry and allocation state of a volume",
	Long: `Mount the configured volume (or --image) and print its geometry,
record usage and free space.

Examples:
  # Inspect an image file
  go-ntfs info --image ntfs.img

  # Inspect the configured device as JSON
  go-ntfs info -c go-ntfs.yaml -o json`,

	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInfo(cmd.Context(), cmd.OutOrStdout()); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := openVolume(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	info := svc.Info()
	return render(w, info, func(tw *tabwriter.Writer) {
		writeInfo(tw, info)
	})
}

func writeInfo(tw *tabwriter.Writer, info services.VolumeInfo) {
	cs := uint64(info.ClusterSize)
	fmt.Fprintf(tw, "Session:\t%s\n", info.SessionID)
	fmt.Fprintf(tw, "Backend:\t%s\n", info.Backend)
	if info.DevicePath != "" {
		fmt.Fprintf(tw, "Path:\t%s\n", info.DevicePath)
	}
	fmt.Fprintf(tw, "Size:\t%s\n", humanize.IBytes(uint64(info.Size)))
	fmt.Fprintf(tw, "Record size:\t%d\n", info.RecordSize)
	fmt.Fprintf(tw, "Cluster size:\t%d\n", info.ClusterSize)
	fmt.Fprintf(tw, "Block size:\t%d\n", info.BlockSize)
	fmt.Fprintf(tw, "Clusters:\t%d\n", info.TotalClusters)
	fmt.Fprintf(tw, "Free:\t%d (%s)\n", info.FreeClusters, humanize.IBytes(info.FreeClusters*cs))
	fmt.Fprintf(tw, "Records:\t%d of %d in use\n", info.UsedRecords, info.MFTRecords)
	fmt.Fprintf(tw, "Read-only:\t%v\n", info.ReadOnly)
	fmt.Fprintf(tw, "Case-sensitive:\t%v\n", info.CaseSensitive)
}
