package main

import (
	"context"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentvisor"
	"github.com/hupe1980/agentvisor/agent"
	"github.com/hupe1980/agentvisor/config"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/model"
	"github.com/hupe1980/agentvisor/model/anthropic"
	"github.com/hupe1980/agentvisor/model/openai"
	"github.com/hupe1980/agentvisor/supervisor"
	"github.com/hupe1980/agentvisor/tool"
)

const llmInstruction = `You are a helpful assistant working for user {{.user_id}}.
{{with .language}}Answer in {{.}}.{{end}}
Use the available tools when they help answer the request.`

// registerAgents registers echo always and llm when a model provider is
// configured.
func registerAgents(av *agentvisor.Agentvisor, cfg config.Config, logger logging.Logger) error {
	if err := av.Register(agent.EchoType, agent.NewEcho()); err != nil {
		return err
	}

	llm := newModel(cfg)
	if llm == nil {
		logger.Info("no model provider configured, llm agent disabled")
		return nil
	}

	c, err := agent.NewModelConstructor(llm, builtinTools(), func(o *agent.ModelAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(llmInstruction)
	})
	if err != nil {
		return err
	}
	return av.Register(agent.ModelType, c)
}

func newModel(cfg config.Config) model.Model {
	switch cfg.Provider() {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
			if cfg.LLMModel != "" {
				o.Model = anthropicsdk.Model(cfg.LLMModel)
			}
		})
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.OpenAIAPIKey
			if cfg.LLMModel != "" {
				o.Model = cfg.LLMModel
			}
		})
	default:
		return nil
	}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" description:"IANA time zone name, e.g. Europe/Berlin. Defaults to UTC."`
}

func builtinTools() []tool.Tool {
	return []tool.Tool{
		tool.NewFunctionToolFromStruct("current_time", "Returns the current date and time.", currentTimeArgs{},
			func(_ context.Context, _ tool.Invocation, args map[string]any) (any, error) {
				name, _ := args["timezone"].(string)
				loc := time.UTC
				if name != "" {
					l, err := time.LoadLocation(name)
					if err != nil {
						return nil, tool.NewToolError("current_time", fmt.Sprintf("unknown time zone %q", name), tool.CodeValidation)
					}
					loc = l
				}
				return map[string]any{"time": time.Now().In(loc).Format(time.RFC3339), "timezone": loc.String()}, nil
			}),
	}
}

func lifecycleCallbacks(logger logging.Logger) *supervisor.CallbackManager {
	cm := supervisor.NewCallbackManager()
	cm.RegisterCallback(supervisor.NewLoggingCallback(supervisor.CallbackOnStall, logger))
	cm.RegisterCallback(supervisor.NewLoggingCallback(supervisor.CallbackOnRestart, logger))
	cm.RegisterCallback(supervisor.NewLoggingCallback(supervisor.CallbackOnTerminal, logger))
	return cm
}
