package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/internal/gateway"
)

func newChatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	return cmd
}

func runChat(parent context.Context, sessionID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	canvas := gateway.NewCanvas(a.bus)
	go canvas.Run(ctx)

	if sessionID == "" {
		sessionID = uuid.NewString()
		if err := a.store.CreateSession(ctx, agentloop.SessionMeta{ID: sessionID, Title: "Terminal session"}); err != nil {
			return err
		}
	} else if _, err := a.store.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	emitter := agentloop.NewEmitter(a.bus, sessionID)
	registry := a.registry.Clone()
	agentloop.RegisterDelegateTool(registry, a.delegator(), sessionID, emitter)

	runner := agentloop.NewRunner(sessionID, a.llm, a.store, registry, emitter, a.loopCfg, a.logger)
	runner.SetPromptSource(a.prompts)
	runner.SetSummarizer(agentloop.NewSummarizer(a.llm, a.store, a.cfg.Model, a.logger))

	sub := a.bus.Subscribe(sessionID)
	defer sub.Close()
	go renderEvents(ctx, sub)

	fmt.Printf("session %s — type a request, or \"exit\" to quit\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		refreshChatSections(ctx, a, canvas)
		text, err := runner.RunTurn(ctx, line)
		if err != nil {
			if errors.Is(err, agentloop.ErrTurnInProgress) {
				fmt.Println("(a turn is already running)")
				continue
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n", text)
	}
}

func refreshChatSections(ctx context.Context, a *app, canvas *gateway.Canvas) {
	content := a.probe.Snapshot(ctx).Render() + "\n" + a.index.Summary()
	a.prompts.SetSection(agentloop.PromptSection{
		Name: agentloop.SectionEnvironment, Priority: 60, Content: content, Optional: true,
	})
	a.prompts.SetSection(agentloop.PromptSection{
		Name: agentloop.SectionCanvas, Priority: 50, Content: canvas.Render(), Optional: true,
	})
}

// renderEvents prints a live trace of the turn.
func renderEvents(ctx context.Context, sub *agentloop.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case agentloop.EventStateThinking:
				fmt.Printf("  [thinking iteration %v]\n", ev.Data["iteration"])
			case agentloop.EventStateToolExecuting:
				fmt.Printf("  [tool %v]\n", ev.Data["tool_name"])
			case agentloop.EventStateToolFailed:
				fmt.Printf("  [tool %v failed: %v]\n", ev.Data["tool_name"], ev.Data["error"])
			case agentloop.EventWorkflowSubmitted:
				fmt.Printf("  [workflow submitted: %v]\n", ev.Data["prompt_id"])
			case agentloop.EventComfyProgress:
				fmt.Printf("  [progress %v/%v]\n", ev.Data["value"], ev.Data["max"])
			case agentloop.EventComfyExecutionError:
				fmt.Printf("  [backend error on node %v: %v]\n", ev.Data["node"], ev.Data["error"])
			case agentloop.EventLLMRetry:
				fmt.Printf("  [model retry %v/%v]\n", ev.Data["attempt"], ev.Data["max_retries"])
			case agentloop.EventSubagentStart:
				fmt.Printf("  [delegating: %v]\n", ev.Data["task"])
			}
		}
	}
}
