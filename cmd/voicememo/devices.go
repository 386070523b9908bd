package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	Long:  `List the capture devices of the configured audio backend together with the microphone permission and the native sample rate.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, closePlatform, err := openPlatform()
		if err != nil {
			return err
		}
		defer closePlatform()

		inputs, err := platform.Inputs()
		if err != nil {
			return fmt.Errorf("failed to list inputs: %w", err)
		}

		fmt.Printf("Backend:     %s (available: %s)\n", cfg.Audio.Backend, strings.Join(newRegistry().Backends(), ", "))
		fmt.Printf("Permission:  %s\n", platform.RecordPermission())
		fmt.Printf("Native rate: %d Hz\n\n", platform.NativeSampleRate())
		fmt.Printf("Inputs (%d found):\n", len(inputs))
		for i, in := range inputs {
			var tags []string
			if in.BuiltIn {
				tags = append(tags, "built-in")
			}
			if in.Bluetooth {
				tags = append(tags, "bluetooth")
			}
			suffix := ""
			if len(tags) > 0 {
				suffix = " [" + strings.Join(tags, ", ") + "]"
			}
			fmt.Printf("  %d. %s%s\n     id: %s\n", i+1, in.Name, suffix, in.ID)
			for _, ds := range in.DataSources {
				fmt.Printf("     - %s (%s)\n", ds.Name, ds.Orientation)
			}
		}
		return nil
	},
}
