package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var runAudioDir string

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Send a single message and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}

		p, err := newPipeline(cfg, &consolePresenter{audioDir: runAudioDir})
		if err != nil {
			return err
		}
		defer p.Close()

		reply := p.assistant.HandleUtterance(context.Background(), args[0])
		fmt.Println(styleAssistant.Render(reply.Text))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runAudioDir, "audio-dir", "", "save synthesized audio chunks to this directory")
	rootCmd.AddCommand(runCmd)
}
