package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dudu/faceswap/internal/inference"
)

var inspectLayers bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <model.onnx>",
	Short: "Print a model's inputs, outputs and metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectLayers, "layers", false, "also try importing the model with go-metal and list its layers")
}

func runInspect(cmd *cobra.Command, args []string) error {
	modelPath := args[0]
	out := cmd.OutOrStdout()

	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	if err := inference.Initialize(cfg.ORTLibrary); err != nil {
		return err
	}
	defer inference.Shutdown()

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}

	fmt.Fprintf(out, "Model: %s\n", modelPath)
	printInfo(out, "Inputs", inputs)
	printInfo(out, "Outputs", outputs)

	metadata, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		fmt.Fprintf(out, "\nMetadata: unavailable (%v)\n", err)
	} else {
		fmt.Fprintln(out, "\nMetadata:")
		if producer, err := metadata.GetProducerName(); err == nil {
			fmt.Fprintf(out, "  Producer: %s\n", producer)
		}
		if version, err := metadata.GetVersion(); err == nil {
			fmt.Fprintf(out, "  Version: %d\n", version)
		}
		if domain, err := metadata.GetDomain(); err == nil {
			fmt.Fprintf(out, "  Domain: %s\n", domain)
		}
		if desc, err := metadata.GetDescription(); err == nil && desc != "" {
			fmt.Fprintf(out, "  Description: %s\n", desc)
		}
		metadata.Destroy()
	}

	if inspectLayers {
		fmt.Fprintln(out)
		return printLayers(out, modelPath)
	}
	return nil
}

func printInfo(out io.Writer, title string, infos []ort.InputOutputInfo) {
	fmt.Fprintf(out, "\n%s (%d):\n", title, len(infos))
	for _, info := range infos {
		fmt.Fprintf(out, "  %s: shape=%v, type=%v\n", info.Name, info.Dimensions, info.DataType)
	}
}
