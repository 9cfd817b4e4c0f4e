package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
)

func inspectCmd() *cli.Command {
	var modelPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a kmodel's header/layer/output summary without executing it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .kmodel file",
				Destination: &modelPath,
				Required:    true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			container, err := kmodel.Open(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer container.Close()

			fmt.Printf("kmodel: %s\n", modelPath)
			fmt.Println(container.String())

			section("Layers")
			for i := 0; i < container.LayerCount(); i++ {
				lh := container.LayerHeaderAt(i)
				fmt.Printf("%4d  %-24s body_size=%d\n", i, lh.Type.String(), lh.BodySize)
			}

			section("Outputs")
			for i := 0; i < container.OutputCount(); i++ {
				out, err := container.Output(i)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: output %d: %v", i, err), 1)
				}
				fmt.Printf("%4d  offset=%d size=%d\n", i, out.Offset, out.Size)
			}

			return nil
		},
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}
