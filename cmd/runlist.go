package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
)

var (
	runlistSVCN        uint64
	runlistEVCN        int64
	runlistWidth       uint
	runlistClusterSize uint64
)

var runlistCmd = &cobra.Command{
	Use:   "runlist <hex>",
	Short: "Decode packed mapping pairs",
	Long: `Decode a packed run-list given as hex and print its runs.

The last VCN defaults to the one implied by the run lengths; pass --evcn to
check the pairs against the VCN range recorded in an attribute header.

Examples:
  # One run of 0x18 clusters at LCN 0x5634
  go-ntfs runlist 21183456 00

  # Sparse run followed by a data run, 64-bit cluster numbers
  go-ntfs runlist "0110 2108a000 00" --cluster-width 64 -o json`,

	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRunlist(cmd.OutOrStdout(), strings.Join(args, "")); err != nil {
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runlistCmd)

	runlistCmd.Flags().Uint64Var(&runlistSVCN, "svcn", 0, "first VCN covered by the pairs")
	runlistCmd.Flags().Int64Var(&runlistEVCN, "evcn", -1, "last VCN covered by the pairs (-1 derives it)")
	runlistCmd.Flags().UintVar(&runlistWidth, "cluster-width", 32, "cluster addressing width (32 or 64)")
	runlistCmd.Flags().Uint64Var(&runlistClusterSize, "cluster-size", 4096, "cluster size used for byte offsets")
}

// RunView is one decoded run
type RunView struct {
	VCN    uint64 `json:"vcn" yaml:"vcn"`
	Length uint64 `json:"length" yaml:"length"`
	LCN    uint64 `json:"lcn" yaml:"lcn"`
	Sparse bool   `json:"sparse" yaml:"sparse"`
	Offset uint64 `json:"offset" yaml:"offset"`
	Bytes  uint64 `json:"bytes" yaml:"bytes"`
}

// RunlistView is a decoded run-list
type RunlistView struct {
	SVCN      uint64    `json:"svcn" yaml:"svcn"`
	EVCN      uint64    `json:"evcn" yaml:"evcn"`
	Clusters  uint64    `json:"clusters" yaml:"clusters"`
	Allocated uint64    `json:"allocated" yaml:"allocated"`
	Runs      []RunView `json:"runs" yaml:"runs"`
}

func runRunlist(w io.Writer, packed string) error {
	buf, err := hex.DecodeString(strings.Join(strings.Fields(packed), ""))
	if err != nil {
		return fmt.Errorf("invalid hex run-list: %w", err)
	}
	view, err := decodeRunlist(buf, runlistSVCN, runlistEVCN, runlist.Limits{ClusterWidth: runlistWidth}, runlistClusterSize)
	if err != nil {
		return err
	}
	return render(w, view, func(tw *tabwriter.Writer) {
		writeRunlist(tw, view)
	})
}

// decodeRunlist decodes buf covering svcn..evcn. A negative evcn is
// derived from the run lengths.
func decodeRunlist(buf []byte, svcn uint64, evcn int64, lim runlist.Limits, clusterSize uint64) (RunlistView, error) {
	last := uint64(evcn)
	if evcn < 0 {
		span, err := runlist.Span(buf)
		if err != nil {
			return RunlistView{}, err
		}
		if span == 0 {
			return RunlistView{}, fmt.Errorf("run-list is empty")
		}
		last = svcn + span - 1
	}

	runs, err := runlist.Decode(buf, svcn, svcn, last, lim)
	if err != nil {
		return RunlistView{}, err
	}

	view := RunlistView{SVCN: svcn, EVCN: last, Clusters: last - svcn + 1}
	for _, r := range runs {
		rv := RunView{
			VCN:    r.VCN,
			Length: r.Len,
			Sparse: r.IsSparse(),
			Bytes:  r.Len * clusterSize,
		}
		if !rv.Sparse {
			rv.LCN = r.LCN
			rv.Offset = r.LCN * clusterSize
			view.Allocated += r.Len
		}
		view.Runs = append(view.Runs, rv)
	}
	return view, nil
}

func writeRunlist(tw *tabwriter.Writer, v RunlistView) {
	fmt.Fprintf(tw, "VCN range:\t%d..%d (%d clusters, %d allocated)\n", v.SVCN, v.EVCN, v.Clusters, v.Allocated)
	tw.Flush()

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "VCN\tLENGTH\tLCN\tOFFSET")
	for _, r := range v.Runs {
		if r.Sparse {
			fmt.Fprintf(tw, "%d\t%d\tsparse\t-\n", r.VCN, r.Length)
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t0x%x\n", r.VCN, r.Length, r.LCN, r.Offset)
	}
}
