package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	Long: `List the capture and playback devices known to PortAudio.

Use a unique part of a device name as audio.input_device or
audio.output_device in the config file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		devs, err := portaudio.Devices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHOST API\tIN\tOUT\tRATE")
		for _, d := range devs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f\n", d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		}
		return w.Flush()
	},
}
