package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
)

const systemPrompt = `You are a senior engineer building a small web application inside an isolated sandbox on a remote Ubuntu 22.04 build machine.

Rules:
- Work only inside your working directory.
- Your application must listen on the port given in the PORT environment variable when deployed.
- Use the tools to write files, run commands and deploy. When the application is deployed and you are satisfied, answer with a short final summary and stop calling tools.
- Optionally suggest validation workers (roles with executable check scenarios) with the suggest_workers tool.`

// build runs the agentic build loop for a sandbox. It is started from Chat
// and runs until the model answers without tool calls, the iteration cap is
// reached or the reasoning service fails.
func (s *Service) build(ctx context.Context, id string) {
	logger := s.logger.WithValues(log.Kv{"sandbox": id})

	sb, err := s.repo.GetSandbox(ctx, id)
	if err != nil {
		logger.Errorf("Could not load sandbox for build: %s", err)
		return
	}

	convo := conversationFromSandbox(sb)
	tools := s.toolDefinitions()

	lastText := ""
	for i := 0; i < s.maxIterations; i++ {
		resp, err := s.reasoner.Complete(ctx, reasoning.Request{
			System:   systemPrompt,
			Messages: convo,
			Tools:    tools,
		})
		if err != nil {
			logger.Errorf("Reasoning failed on iteration %d: %s", i+1, err)
			sb.ToolCalls = append(sb.ToolCalls, model.ToolCallRecord{
				Tool:    "reasoning",
				Summary: fmt.Sprintf("iteration %d", i+1),
				Result:  err.Error(),
				At:      time.Now().UTC(),
			})
			s.finishBuild(ctx, sb, model.SandboxStatusFailed, fmt.Sprintf("build failed: %s", err))
			return
		}
		lastText = resp.Text

		if len(resp.ToolCalls) == 0 {
			logger.Infof("Build finished after %d iteration(s)", i+1)
			s.finishBuild(ctx, sb, model.SandboxStatusDone, resp.Text)
			return
		}

		convo = append(convo, reasoning.Message{
			Role:      reasoning.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]reasoning.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			content, isErr := s.executeTool(ctx, sb, call)
			results = append(results, reasoning.ToolResult{
				ToolCallID: call.ID,
				Content:    content,
				IsError:    isErr,
			})

			if err := s.repo.UpdateSandbox(ctx, *sb); err != nil {
				logger.Errorf("Could not persist sandbox after tool call: %s", err)
			}
		}
		convo = append(convo, reasoning.Message{
			Role:        reasoning.RoleUser,
			ToolResults: results,
		})
	}

	logger.Warningf("Build hit the %d iteration cap", s.maxIterations)
	sb.ToolCalls = append(sb.ToolCalls, model.ToolCallRecord{
		Tool:    "reasoning",
		Summary: "iteration cap",
		Result:  fmt.Sprintf("build stopped after %d iterations", s.maxIterations),
		At:      time.Now().UTC(),
	})
	s.finishBuild(ctx, sb, model.SandboxStatusDone, lastText)
}

// finishBuild appends the final assistant message and settles the status. A
// deploy that happened mid-loop wins over the generic done.
func (s *Service) finishBuild(ctx context.Context, sb *model.Sandbox, status model.SandboxStatus, text string) {
	if text != "" {
		sb.Messages = append(sb.Messages, model.SandboxMessage{
			Role: model.SandboxMessageRoleAssistant,
			Text: text,
			At:   time.Now().UTC(),
		})
	}
	if status == model.SandboxStatusFailed || sb.Status == model.SandboxStatusBuilding {
		sb.Status = status
	}

	if err := s.repo.UpdateSandbox(ctx, *sb); err != nil {
		s.logger.Errorf("Could not persist sandbox %s after build: %s", sb.ID, err)
	}
}

func conversationFromSandbox(sb *model.Sandbox) []reasoning.Message {
	convo := make([]reasoning.Message, 0, len(sb.Messages))
	for _, m := range sb.Messages {
		msg := reasoning.Message{Role: m.Role, Text: m.Text}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, reasoning.Image{MediaType: img.MediaType, Data: img.Data})
		}
		convo = append(convo, msg)
	}
	return convo
}
