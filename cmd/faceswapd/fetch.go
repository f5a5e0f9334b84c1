package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dudu/faceswap/internal/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download missing model files and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts := models.ArtifactsFor(cfg)
		if err := models.EnsureAll(cmd.Context(), models.NewHTTPFetcher(), artifacts, os.Stderr); err != nil {
			return err
		}
		for _, a := range artifacts {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", a.Name, a.Path)
		}
		return nil
	},
}
