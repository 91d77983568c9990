package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// GeneralPurposeAgent is the sub-agent type that is always available once
// delegation is enabled: it carries the lead's instructions and tool set,
// letting the lead offload a self-contained chunk of its own work into a
// fresh context window.
const GeneralPurposeAgent = "general_purpose"

// TaskToolName is the delegation tool registered on the lead agent when
// sub-agents are configured.
const TaskToolName = "task"

// SubAgentSpec declares a delegatable sub-agent. Specs are compiled into
// immutable configs at agent construction; a fresh instance (transcript
// and state) is created per task call, so nothing leaks between
// delegations.
type SubAgentSpec struct {
	// Name is the subagent_type the model passes to the task tool.
	Name string
	// Description tells the lead's model when to delegate here.
	Description string
	// Prompt is the sub-agent's system prompt.
	Prompt string
	// Tools, when nil, inherits the lead's tools minus the task tool,
	// keeping delegation one level deep. An explicit tool set is taken
	// as-is, so listing a delegation tool re-enables nesting.
	Tools []ToolDescriptor
	// Model, when nil, inherits the lead's model client.
	Model ModelClient
	// MaxSteps, when 0, inherits the lead's step budget.
	MaxSteps int
	// ShareFiles makes the sub-agent operate on the lead's virtual
	// filesystem instead of a private one. Todos and scratch stay
	// private either way.
	ShareFiles bool
}

// subAgentConfig is the compiled, immutable form of a SubAgentSpec.
type subAgentConfig struct {
	name        string
	description string
	prompt      string
	registry    *Registry
	model       ModelClient
	maxSteps    int
	shareFiles  bool
}

// compileSubAgents turns specs into configs, validating names and tool
// sets once so task calls never fail on configuration problems. The
// general_purpose agent is added unless the caller defined their own.
func compileSubAgents(specs []SubAgentSpec, lead compileContext) (map[string]*subAgentConfig, error) {
	configs := make(map[string]*subAgentConfig, len(specs)+1)

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("sub-agent with empty name")
		}
		if spec.Name == TaskToolName {
			return nil, fmt.Errorf("sub-agent name %q collides with the delegation tool", TaskToolName)
		}
		if _, dup := configs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate sub-agent %q", spec.Name)
		}
		cfg, err := compileOne(spec, lead)
		if err != nil {
			return nil, err
		}
		configs[spec.Name] = cfg
	}

	if _, defined := configs[GeneralPurposeAgent]; !defined {
		cfg, err := compileOne(SubAgentSpec{
			Name:        GeneralPurposeAgent,
			Description: "General agent with the same instructions and tools as the lead. Use for self-contained subtasks that would bloat the main context.",
			Prompt:      lead.instructions,
		}, lead)
		if err != nil {
			return nil, err
		}
		configs[GeneralPurposeAgent] = cfg
	}
	return configs, nil
}

// compileContext carries the lead agent's defaults into compilation.
type compileContext struct {
	instructions string
	tools        []ToolDescriptor // lead's registry minus task
	model        ModelClient
	maxSteps     int
}

func compileOne(spec SubAgentSpec, lead compileContext) (*subAgentConfig, error) {
	tools := spec.Tools
	inherited := tools == nil
	if inherited {
		tools = lead.tools
	}
	registry := NewRegistry()
	for _, d := range tools {
		if inherited && d.Name == TaskToolName {
			continue
		}
		if err := registry.Register(d); err != nil {
			return nil, fmt.Errorf("sub-agent %q: %w", spec.Name, err)
		}
	}

	model := spec.Model
	if model == nil {
		model = lead.model
	}
	maxSteps := spec.MaxSteps
	if maxSteps <= 0 {
		maxSteps = lead.maxSteps
	}
	prompt := spec.Prompt
	if prompt == "" {
		prompt = lead.instructions
	}
	return &subAgentConfig{
		name:        spec.Name,
		description: spec.Description,
		prompt:      prompt,
		registry:    registry,
		model:       model,
		maxSteps:    maxSteps,
		shareFiles:  spec.ShareFiles,
	}, nil
}

const taskToolSchema = `{
	"type": "object",
	"properties": {
		"description": {"type": "string", "minLength": 1},
		"subagent_type": {"type": "string", "minLength": 1}
	},
	"required": ["description", "subagent_type"],
	"additionalProperties": false
}`

// taskToolDescriptor builds the task tool over the agent's compiled
// sub-agent configs. The handler runs a complete nested reason-act loop
// on a fresh transcript and returns the sub-agent's final text.
func (a *Agent) taskToolDescriptor() ToolDescriptor {
	description := "Delegate a self-contained task to a sub-agent and get its final answer back. Available subagent_type values:\n"
	for _, name := range sortedKeys(a.subAgents) {
		description += fmt.Sprintf("- %s: %s\n", name, a.subAgents[name].description)
	}
	return ToolDescriptor{
		Name:        TaskToolName,
		Description: description,
		InputSchema: json.RawMessage(taskToolSchema),
		Effect:      EffectExternal,
		Handler:     a.runTask,
	}
}

// runTask is the task tool handler.
func (a *Agent) runTask(ctx context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		Description  string `json:"description"`
		SubAgentType string `json:"subagent_type"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	cfg, ok := a.subAgents[params.SubAgentType]
	if !ok {
		return "", fmt.Errorf("%w: %q (available: %v)", ErrUnknownSubAgent, params.SubAgentType, sortedKeys(a.subAgents))
	}

	subCtx := ctx
	if a.tracer != nil {
		var span Span
		subCtx, span = a.tracer.Start(ctx, "subagent.run",
			StringAttr("subagent", cfg.name))
		defer span.End()
	}
	a.logger.Info("sub-agent started", "subagent", cfg.name)
	emit(subCtx, tctx.events, Event{Type: EventSubAgentStart, Name: cfg.name, Content: params.Description})

	// Fresh instance per call: new transcript, new state. File sharing is
	// the only configurable bridge back to the lead.
	state := NewState()
	if cfg.shareFiles {
		state = newSharedFilesState(a.state)
	}
	transcript := NewTranscript()
	if err := transcript.Append(UserTextMessage(params.Description)); err != nil {
		return "", err
	}

	exec := &executor{
		registry:    cfg.registry,
		state:       state,
		maxParallel: a.maxParallel,
		toolTimeout: a.toolTimeout,
		globalSem:   a.globalSem,
		consent:     a.consent,
		logger:      a.logger,
		tracer:      a.tracer,
	}
	lcfg := loopConfig{
		name:            "subagent:" + cfg.name,
		model:           cfg.model,
		system:          cfg.prompt,
		registry:        cfg.registry,
		transcript:      transcript,
		exec:            exec,
		tctx:            &ToolContext{State: state, SessionID: tctx.SessionID, Turn: tctx.Turn, Logger: a.logger},
		maxSteps:        cfg.maxSteps,
		modelAttempts:   a.modelAttempts,
		modelRetryDelay: a.modelRetryDelay,
		modelTimeout:    a.modelTimeout,
		maxTokens:       a.maxTokens,
		tracer:          a.tracer,
		logger:          a.logger,
	}

	res, err := runLoop(subCtx, lcfg, nil)
	if err != nil {
		a.logger.Error("sub-agent failed", "subagent", cfg.name, "error", err)
		emit(subCtx, tctx.events, Event{Type: EventSubAgentFinish, Name: cfg.name, Content: err.Error(), IsError: true})
		return "", fmt.Errorf("sub-agent %q: %w", cfg.name, err)
	}
	a.logger.Info("sub-agent completed", "subagent", cfg.name,
		"steps", res.Steps,
		"tokens.input", res.Usage.InputTokens,
		"tokens.output", res.Usage.OutputTokens)
	emit(subCtx, tctx.events, Event{Type: EventSubAgentFinish, Name: cfg.name, Content: res.Output})
	return res.Output, nil
}

func sortedKeys(m map[string]*subAgentConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
