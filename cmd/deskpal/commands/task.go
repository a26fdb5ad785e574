package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskpal/deskpal/pkg/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Queue, inspect and cancel deferred task records",
}

// taskNotifier signals terminal task states so one-shot commands can
// wait for a specific task.
type taskNotifier struct {
	consolePresenter
	done chan tasks.Task
}

func (p *taskNotifier) TaskCompleted(task tasks.Task) { p.done <- task }
func (p *taskNotifier) TaskFailed(task tasks.Task)    { p.done <- task }

var taskAddCmd = &cobra.Command{
	Use:   "add <message>",
	Short: "Queue a deferred request and wait for its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		notifier := &taskNotifier{done: make(chan tasks.Task, 1)}
		p, err := newPipeline(cfg, notifier)
		if err != nil {
			return err
		}
		defer p.Close()

		id, err := p.assistant.SubmitTask(args[0])
		if err != nil {
			return err
		}
		fmt.Println(styleDim.Render("queued task " + id))

		// Pending records from a previous session drain first.
		for t := range notifier.done {
			if t.ID != id {
				fmt.Println(styleDim.Render("resumed task " + t.ID + ": " + string(t.Status)))
				continue
			}
			if t.Status == tasks.StatusFailed {
				return fmt.Errorf("task failed: %s", t.Error)
			}
			fmt.Println(styleAssistant.Render(t.Result))
			return nil
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openTaskQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		if !q.Cancel(args[0]) {
			return fmt.Errorf("cannot cancel %q: not a pending task", args[0])
		}
		fmt.Println(styleDim.Render("cancelled " + args[0]))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openTaskQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		all := q.All()
		if len(all) == 0 {
			fmt.Println(styleDim.Render("no task records"))
			return nil
		}
		for _, t := range all {
			fmt.Printf("%s  %-10s  %s  %s\n",
				t.ID, t.Status, t.CreatedAt.Format("2006-01-02 15:04:05"), truncate(t.Message, 48))
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openTaskQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		t, ok := q.Get(args[0])
		if !ok {
			return fmt.Errorf("task %q not found", args[0])
		}
		fmt.Printf("id:       %s\n", t.ID)
		fmt.Printf("status:   %s\n", t.Status)
		fmt.Printf("message:  %s\n", t.Message)
		fmt.Printf("created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
		if !t.StartedAt.IsZero() {
			fmt.Printf("duration: %s\n", t.Duration())
		}
		if t.Result != "" {
			fmt.Printf("result:   %s\n", t.Result)
		}
		if t.Error != "" {
			fmt.Printf("error:    %s\n", t.Error)
		}
		return nil
	},
}

// openTaskQueue opens the persistent record store read-mostly: the
// returned queue never resumes the worker, so reloaded pending records
// can be listed and cancelled without running.
func openTaskQueue() (*tasks.Queue, func(), error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openTaskStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, err := tasks.NewQueue(tasks.Config{
		Run: func(context.Context, string) (string, error) {
			return "", errors.New("inspection only")
		},
		Store: store,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		q.Close()
		store.Close()
	}
	return q, cleanup, nil
}

func init() {
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}
