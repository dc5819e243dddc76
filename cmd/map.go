package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-ntfs/internal/types"
	"github.com/deploymenttheory/go-ntfs/pkg/services"
)

var mapCmd = &cobra.Command{
	Use:   "map <record> <offset>",
	Short: "Map a file offset to a volume block",
	Long: `Resolve a byte offset in the unnamed data stream of a record to the
volume block that stores it. Numbers accept 0x and 0o prefixes.

Examples:
  # Where does byte 1 MiB of record 64 live?
  go-ntfs map --image ntfs.img 64 0x100000`,

	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMap(cmd.Context(), cmd.OutOrStdout(), args[0], args[1]); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(mapCmd)
}

// MapView is the answer of the map command
type MapView struct {
	Record uint64 `json:"record" yaml:"record"`
	services.Mapping `yaml:",inline"`
}

func runMap(ctx context.Context, w io.Writer, recordArg, offsetArg string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	number, err := strconv.ParseUint(recordArg, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid record number %q: %w", recordArg, err)
	}
	offset, err := strconv.ParseUint(offsetArg, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", offsetArg, err)
	}

	svc, err := openVolume(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	rec, err := svc.Session().MFT().ReadRecord(number)
	if err != nil {
		return err
	}
	m, err := svc.MapOffset(ctx, types.NewMFTRef(number, rec.Header.Seq), offset)
	if err != nil {
		return err
	}

	view := MapView{Record: number, Mapping: m}
	return render(w, view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Record:\t%d\n", view.Record)
		fmt.Fprintf(tw, "Offset:\t0x%x\n", m.Offset)
		switch {
		case !m.Mapped:
			fmt.Fprintf(tw, "State:\thole (%d bytes)\n", m.Length)
		case m.Resident:
			fmt.Fprintf(tw, "State:\tresident in the record\n")
		default:
			fmt.Fprintf(tw, "Block:\t%d\n", m.Block)
			fmt.Fprintf(tw, "Device offset:\t0x%x\n", m.Device)
			fmt.Fprintf(tw, "Extent:\t%d bytes\n", m.Length)
		}
	})
}
