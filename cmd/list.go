package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List uploaded images in the catalog",
	Annotations: map[string]string{dbAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, out io.Writer) error {
	images, err := DB.ListImages(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	if len(images) == 0 {
		fmt.Fprintln(out, "No images found in catalog.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSIZE\tTYPE\tUPLOADED\tPATH")
	fmt.Fprintln(w, "--\t----\t----\t--------\t----")

	for _, img := range images {
		fmt.Fprintf(w, "%s\t%dx%d\t%s\t%s\t%s\n", img.ID, img.Width, img.Height, img.MIME, img.UploadedAt.Local().Format("2006-01-02 15:04"), img.Path)
	}
	return w.Flush()
}
