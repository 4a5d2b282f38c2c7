package orchestrator

import (
	"fmt"
	"strings"

	"organ_dispatch/internal/domain"
)

func sessionHeader(sess domain.ExecutionSession, agent domain.Agent) string {
	if sess.SessionID == "" {
		return ""
	}
	return fmt.Sprintf("[session] id=%s owner=%s provider=%s\n\n", sess.SessionID, agent.ID, sess.Provider)
}

func batchTitle(deptName string, parent domain.Task, queueIndex, queueTotal int) string {
	return fmt.Sprintf("[%s %d/%d] %s", deptName, queueIndex+1, queueTotal, parent.Title)
}

func batchDescription(subtasks []domain.Subtask) string {
	var b strings.Builder
	for i, st := range subtasks {
		fmt.Fprintf(&b, "%d. %s", i+1, st.Title)
		if d := strings.TrimSpace(st.Description); d != "" {
			fmt.Fprintf(&b, "\n   %s", strings.ReplaceAll(d, "\n", "\n   "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildBatchPrompt(parent, job domain.Task, deptName string, executor domain.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s of the %s department.\n", executor.Name, deptName)
	fmt.Fprintf(&b, "The originating task is: %s\n", parent.Title)
	if d := strings.TrimSpace(parent.Description); d != "" {
		fmt.Fprintf(&b, "Context:\n%s\n", d)
	}
	b.WriteString("\nComplete every item of this delegated batch:\n")
	b.WriteString(job.Description)
	b.WriteString("\n\nWhen finished, summarize what you changed for each item.\n")
	return b.String()
}
