//go:build darwin

package main

import (
	"fmt"
	"io"

	"github.com/tsawler/go-metal/checkpoints"
)

func printLayers(out io.Writer, modelPath string) error {
	checkpoint, err := checkpoints.NewONNXImporter().ImportFromONNX(modelPath)
	if err != nil {
		return fmt.Errorf("go-metal could not import the model (it supports Conv, MatMul, Add, activations, BatchNorm, Dropout, Softmax and Flatten): %w", err)
	}

	fmt.Fprintf(out, "Layers (%d), weights: %d tensors\n", len(checkpoint.ModelSpec.Layers), len(checkpoint.Weights))
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Fprintf(out, "  %d: %s (%s)\n", i+1, layer.Name, layer.Type)
	}
	return nil
}
