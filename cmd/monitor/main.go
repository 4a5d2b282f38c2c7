package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/progress"
)

func main() {
	addr := flag.String("addr", "http://localhost:8091", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start the orchestrator alongside the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded orchestrator")
	logsRoot := flag.String("logs", "data/logs", "worker log directory for the embedded orchestrator")
	configPath := flag.String("config", "", "config.toml for the embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *logsRoot, *configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().SetBorders(false).SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+D delegate)").SetBorder(true)

	jobsTable := tview.NewTable().SetBorders(false).SetSelectable(true, false)
	jobsTable.SetTitle("Delegated jobs (Enter hints, Ctrl+P pause, Ctrl+X cancel, Ctrl+R resume)").SetBorder(true)

	subtasksView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	subtasksView.SetTitle("Subtasks").SetBorder(true)

	hintsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	hintsView.SetTitle("Progress").SetBorder(true)

	messagesView := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	messagesView.SetTitle("Notices").SetBorder(true)

	logsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logsView.SetTitle("Task log").SetBorder(true)

	promptInput := tview.NewInputField().SetLabel("New task: ")
	promptInput.SetBorder(true).SetTitle("title :: dept=work; dept=work  (Enter = create + delegate)")

	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+T tasks, Ctrl+O jobs",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(subtasksView, 0, 1, false).
		AddItem(jobsTable, 0, 1, false)
	rightBottom := tview.NewFlex().
		AddItem(messagesView, 0, 1, false).
		AddItem(logsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(hintsView, 0, 3, false).
		AddItem(rightBottom, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		selectedTaskID string
		selectedJobID  string
		lastTasks      []domain.Task
		lastJobs       []domain.Task
		detailsVersion uint64
	)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshTasks := func() {
		tasks, err := c.listTasks()
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		parents := parentTasks(tasks)
		app.QueueUpdateDraw(func() {
			lastTasks = parents
			renderTasksTable(tasksTable, parents, selectedTaskID)
		})
	}

	refreshDetailsAsync := func(taskID, jobID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected, job string, v uint64) {
			subtasks, subErr := c.listSubtasks(selected)
			jobs, jobErr := c.listJobs(selected)
			msgs, msgErr := c.listMessages(selected, 50)
			logs, logErr := c.listLogs(selected, 80)
			if job == "" {
				job = activeJob(jobs)
			}
			var hints progress.Progress
			var hintErr error
			if job != "" {
				hints, hintErr = c.hints(job)
			}

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if subErr != nil {
					subtasksView.SetText(fmt.Sprintf("error: %v", subErr))
				} else {
					subtasksView.SetText(renderSubtasks(subtasks))
				}
				if jobErr != nil {
					jobsTable.Clear()
					jobsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("error: %v", jobErr)))
				} else {
					lastJobs = jobs
					renderJobsTable(jobsTable, jobs, job)
				}
				if msgErr != nil {
					messagesView.SetText(fmt.Sprintf("error: %v", msgErr))
				} else {
					messagesView.SetText(renderMessages(msgs))
				}
				if logErr != nil {
					logsView.SetText(fmt.Sprintf("error: %v", logErr))
				} else {
					logsView.SetText(renderLogs(logs))
				}
				switch {
				case job == "":
					hintsView.SetText("no delegated job yet")
				case hintErr != nil:
					hintsView.SetText(fmt.Sprintf("error: %v", hintErr))
				default:
					hintsView.SetTitle("Progress " + shortID(job))
					hintsView.SetText(renderHints(hints))
				}
			})
		}(taskID, jobID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Creating task...")
		promptInput.SetText("")
		go func(input string) {
			taskID, err := c.createAndDelegate(input)
			if err != nil {
				setStatusAsync("Failed to create task: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				selectedTaskID = taskID
				selectedJobID = ""
			})
			refreshTasks()
			refreshDetailsAsync(taskID, "")
			setStatusAsync("Task created and delegated: " + taskID)
		}(prompt)
	}

	jobAction := func(name string, fn func(jobID string) error) {
		jobID := selectedJobID
		if jobID == "" {
			setStatusUI("Select a delegated job first")
			return
		}
		go func() {
			if err := fn(jobID); err != nil {
				setStatusAsync(fmt.Sprintf("%s %s failed: %v", name, shortID(jobID), err))
				return
			}
			setStatusAsync(fmt.Sprintf("%s requested for %s", name, shortID(jobID)))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		selectedJobID = ""
		refreshDetailsAsync(selectedTaskID, "")
	})

	jobsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastJobs) {
			return
		}
		selectedJobID = lastJobs[row-1].ID
		refreshDetailsAsync(selectedTaskID, selectedJobID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshTasks()
			refreshDetailsAsync(selectedTaskID, selectedJobID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(tasksTable)
			return nil
		case tcell.KeyCtrlO:
			app.SetFocus(jobsTable)
			return nil
		case tcell.KeyCtrlD:
			if selectedTaskID == "" {
				setStatusUI("Select a task first")
				return nil
			}
			taskID := selectedTaskID
			go func() {
				started, err := c.delegate(taskID)
				switch {
				case err != nil:
					setStatusAsync("Delegate failed: " + err.Error())
				case started:
					setStatusAsync("Dispatch started for " + shortID(taskID))
				default:
					setStatusAsync("Nothing to dispatch for " + shortID(taskID))
				}
			}()
			return nil
		case tcell.KeyCtrlP:
			jobAction("pause", func(id string) error { return c.stop(id, domain.StopModePause) })
			return nil
		case tcell.KeyCtrlX:
			jobAction("cancel", func(id string) error { return c.stop(id, domain.StopModeCancel) })
			return nil
		case tcell.KeyCtrlR:
			jobAction("resume", c.resume)
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshTasks()
		for range ticker.C {
			refreshTasks()
			var taskID, jobID string
			done := make(chan struct{})
			app.QueueUpdate(func() {
				if selectedTaskID == "" && len(lastTasks) > 0 {
					selectedTaskID = lastTasks[0].ID
				}
				taskID, jobID = selectedTaskID, selectedJobID
				close(done)
			})
			<-done
			refreshDetailsAsync(taskID, jobID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// parentTasks drops delegated jobs and orders the rest by last update.
func parentTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.SourceTaskID == "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// activeJob picks the running job, or the newest one.
func activeJob(jobs []domain.Task) string {
	for _, j := range jobs {
		if j.Status == domain.TaskStatusInProgress {
			return j.ID
		}
	}
	if len(jobs) == 0 {
		return ""
	}
	return jobs[len(jobs)-1].ID
}
