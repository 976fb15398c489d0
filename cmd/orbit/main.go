// orbit is an interactive REPL around the conversational decision core:
// load a YAML agent definition, resolve the behavior tree, and chat against
// it. Without an API key the model is a local echo stub, which keeps the
// state machine and context selection fully inspectable offline.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orbit/internal/agent"
	"orbit/internal/agent/ports"
	"orbit/internal/config"
	"orbit/internal/knowledge"
	"orbit/internal/orchestrator"
	"orbit/internal/state"
	"orbit/internal/storage"
	"orbit/internal/utils"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orbit",
		Short: "Hierarchical-state conversational agent",
		Long: `orbit loads an agent definition (behavior states, contexts, tools)
from YAML, flattens the hierarchy into selectable leaf states, and runs an
interactive session with adaptive context selection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(cmd.Context())
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "orbit.yaml", "agent definition file")
	flags.Int("budget", 0, "override max context tokens")
	flags.Bool("show-reasoning", false, "print the orchestration reasoning chain after each turn")
	for _, name := range []string{"config", "budget", "show-reasoning"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("ORBIT")
	viper.AutomaticEnv()

	return cmd
}

func runREPL(ctx context.Context) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	a, err := buildAgent(ctx, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	showReasoning := viper.GetBool("show-reasoning")

	fmt.Printf("%s session %s\n", cyan("orbit"), gray(sessionID))
	for _, leaf := range a.LeafStateTree() {
		fmt.Printf("  %s %s\n", green(leaf.Key), gray(leaf.Description))
	}
	fmt.Println(gray(`type "exit" to quit`))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(cyan("> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		result, err := a.ProcessTurn(ctx, agent.TurnRequest{SessionID: sessionID, UserText: line})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Println(red("error: " + err.Error()))
			continue
		}
		if result.Denied {
			fmt.Printf("%s %s\n", yellow("[denied]"), result.DenyReason)
			continue
		}

		fmt.Printf("%s %s\n", gray("["+strings.Join(result.StatePath, "/")+"]"), result.Reply)
		if showReasoning && result.Orchestration != nil {
			for _, step := range result.Orchestration.ReasoningChain {
				fmt.Println(gray("  · " + step))
			}
		}
	}
	return scanner.Err()
}

func buildAgent(ctx context.Context, cfg *config.Config) (*agent.Agent, error) {
	logger := utils.NewComponentLogger("CLI")

	resolver, err := state.Resolve(cfg.States, cfg.Contexts, cfg.Tools, cfg.Defaults)
	if err != nil {
		return nil, fmt.Errorf("resolve states: %w", err)
	}

	opts := cfg.OrchestratorOptions()
	if budget := viper.GetInt("budget"); budget > 0 {
		opts.MaxContextTokens = budget
	}

	var orchOpts []orchestrator.Option
	if cfg.Knowledge.Enabled {
		kb, err := knowledge.NewConnector(knowledge.Config{
			PersistPath:   cfg.Knowledge.PersistPath,
			Collection:    cfg.Knowledge.Collection,
			TopK:          cfg.Knowledge.TopK,
			MinSimilarity: float32(cfg.Knowledge.MinSimilarity),
		}, knowledge.NewHashEmbedder(0))
		if err != nil {
			return nil, fmt.Errorf("open knowledge base: %w", err)
		}
		if len(cfg.Knowledge.Documents) > 0 {
			if err := kb.Index(ctx, knowledgeDocs(cfg.Knowledge.Documents)); err != nil {
				return nil, fmt.Errorf("index knowledge documents: %w", err)
			}
			logger.Info("Indexed %d knowledge documents", kb.Count())
		}
		orchOpts = append(orchOpts, orchestrator.WithKnowledgeBase(kb))
	}

	orch, err := orchestrator.New(opts, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return agent.New(resolver, orch, &echoLLM{}, storage.NewInMemoryStore()), nil
}

func knowledgeDocs(in []config.KnowledgeDocument) []knowledge.Document {
	docs := make([]knowledge.Document, 0, len(in))
	for _, d := range in {
		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		if len(d.Concepts) > 0 {
			meta["concepts"] = strings.Join(d.Concepts, ",")
		}
		docs = append(docs, knowledge.Document{
			ID:       d.ID,
			Content:  d.Content,
			Source:   d.Source,
			Metadata: meta,
		})
	}
	return docs
}

// echoLLM is the offline model stub: it mirrors the turn back along with the
// system context it would have been answered under.
type echoLLM struct{}

func (e *echoLLM) Complete(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userText = req.Messages[i].Content
			break
		}
	}
	stateName, _ := req.Metadata["state"].(string)
	reply := fmt.Sprintf("(echo) heard %q in state %s with %d tool(s) available",
		userText, stateName, len(req.Tools))
	return &ports.CompletionResponse{Content: reply, StopReason: "stop"}, nil
}

func (e *echoLLM) Model() string { return "echo" }
