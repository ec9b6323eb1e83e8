package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset stored state (image catalog, uploads, worker masks)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No image catalog configured, skipping database.")
			} else if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP the image catalog?") {
				fmt.Println("🗑️  Clearing Image Catalog...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetFiles {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all uploads and worker masks?") {
				fmt.Println("🗑️  Clearing Files (Uploads, Masks)...")
				removeDir(Cfg.UploadDir)
				removeDir(Cfg.Worker.OutputDir)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the image catalog table")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear uploaded images and worker masks")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
