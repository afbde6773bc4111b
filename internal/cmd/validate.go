package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

var validateCmd = &cobra.Command{
	Use:   "validate <request.json>",
	Short: "Parse and validate an image request payload",
	Long: `Validate reads an image request JSON payload from a file, checks it against
the same rules the intake applies, and prints what the request resolves to.
With --width and --height it also reports how the image would decompose into
regions and tiles.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Int("width", 0, "Image width in pixels for a decomposition estimate")
	validateCmd.Flags().Int("height", 0, "Image height in pixels for a decomposition estimate")
	validateCmd.Flags().Int("region-size", 4096, "Region edge length in pixels")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, validateCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("validate.width", "width")
	mustBind("validate.height", "height")
	mustBind("validate.region_size", "region-size")
}

func runValidate(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	req, err := request.Parse(body)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "request is valid")
	fmt.Fprintf(out, "  job:       %s\n", req.JobID)
	fmt.Fprintf(out, "  image:     %s\n", req.ImageURL)
	fmt.Fprintf(out, "  endpoint:  %s (%s)\n", req.Endpoint.Name, req.Endpoint.Mode)
	fmt.Fprintf(out, "  tiles:     %dx%d, overlap %dx%d, %s/%s\n",
		req.TileSize.Width, req.TileSize.Height,
		req.TileOverlap.Width, req.TileOverlap.Height,
		req.TileFormat, req.TileCompression)
	fmt.Fprintf(out, "  outputs:   %d\n", len(req.Outputs))
	if req.ROI != nil {
		fmt.Fprintln(out, "  roi:       set")
	}
	if _, ok := req.Distillation(); ok {
		fmt.Fprintln(out, "  dedup:     feature distillation enabled")
	}

	width := viper.GetInt("validate.width")
	height := viper.GetInt("validate.height")
	if width > 0 && height > 0 {
		regionSize := viper.GetInt("validate.region_size")
		strategy := tiling.NewVariableOverlapStrategy()
		extents := tiling.Bounds{Width: width, Height: height}
		regions := strategy.ComputeRegions(extents,
			tiling.Dims{Width: regionSize, Height: regionSize}, req.TileSize, req.TileOverlap)
		var tiles int
		for _, r := range regions {
			tiles += len(strategy.ComputeTiles(r, req.TileSize, req.TileOverlap))
		}
		fmt.Fprintf(out, "  %dx%d px decomposes into %d regions, %d tiles\n",
			width, height, len(regions), tiles)
	}
	return nil
}
