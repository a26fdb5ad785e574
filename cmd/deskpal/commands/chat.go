package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatAudioDir string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session against the agent gateway",
	Long: `Starts an interactive session. Each line is sent as one chat turn;
the streamed reply is segmented and synthesized sentence by sentence.

Slash commands:
  /task <message>   queue a deferred task
  /tasks            list deferred tasks
  /cancel <id>      cancel a pending task
  /abort            interrupt the current speech output
  /quit             exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}

		p, err := newPipeline(cfg, &consolePresenter{audioDir: chatAudioDir})
		if err != nil {
			return err
		}
		defer p.Close()

		fmt.Println(styleDim.Render("deskpal interactive session, /quit to exit"))
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)

		for {
			fmt.Print(stylePrompt.Render("you> "))
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := runSlashCommand(p, line); quit {
					return nil
				}
				continue
			}

			reply := p.assistant.HandleUtterance(context.Background(), line)
			fmt.Println(styleAssistant.Render(reply.Text))
		}
	},
}

// runSlashCommand handles a /command line and reports whether the
// session should end.
func runSlashCommand(p *pipeline, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/abort":
		p.assistant.Interrupt(context.Background())
		fmt.Println(styleDim.Render("interrupted"))
	case "/task":
		if rest == "" {
			fmt.Println(styleError.Render("usage: /task <message>"))
			return false
		}
		id, err := p.assistant.SubmitTask(rest)
		if err != nil {
			fmt.Println(styleError.Render(err.Error()))
			return false
		}
		fmt.Println(styleDim.Render("queued task " + id))
	case "/tasks":
		all := p.assistant.Tasks()
		if len(all) == 0 {
			fmt.Println(styleDim.Render("no tasks"))
			return false
		}
		for _, t := range all {
			fmt.Printf("  %s  %-10s  %s\n", t.ID, t.Status, truncate(t.Message, 40))
		}
	case "/cancel":
		if p.assistant.CancelTask(rest) {
			fmt.Println(styleDim.Render("cancelled " + rest))
		} else {
			fmt.Println(styleError.Render("cannot cancel " + rest))
		}
	default:
		fmt.Println(styleError.Render("unknown command " + cmd))
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func init() {
	chatCmd.Flags().StringVar(&chatAudioDir, "audio-dir", "", "save synthesized audio chunks to this directory")
	rootCmd.AddCommand(chatCmd)
}
