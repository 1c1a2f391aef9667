package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"actionserver/internal/actions"
	"actionserver/internal/fault"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

const (
	mcpServerName     = "action-server"
	resourceURIScheme = "action://"
	resourceMIMEType  = "application/json"
)

// mcpBridge projects the served catalog onto one MCP server. Tool kinds
// action, query, predict, and tool become MCP tools named
// `<package>__<action>`; the resource kind becomes an MCP resource under
// `action://<package>/<action>`; the prompt kind becomes an MCP prompt.
// Handlers submit through the same lifecycle manager as HTTP invocations.
type mcpBridge struct {
	srv  *mcpserver.MCPServer
	deps Deps

	mu        sync.Mutex
	tools     map[string]struct{}
	prompts   map[string]struct{}
	resources map[string]struct{}
}

func newMCPBridge(deps Deps) *mcpBridge {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	b := &mcpBridge{
		deps:      deps,
		tools:     make(map[string]struct{}),
		prompts:   make(map[string]struct{}),
		resources: make(map[string]struct{}),
	}
	b.srv = mcpserver.NewMCPServer(
		mcpServerName,
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)
	return b
}

func toolName(pkgSlug, actionSlug string) string {
	return pkgSlug + "__" + actionSlug
}

func resourceURI(pkgSlug, actionSlug string) string {
	return resourceURIScheme + pkgSlug + "/" + actionSlug
}

func toolDescription(act *actions.Action) string {
	if act.DisplayName != "" {
		return act.DisplayName
	}
	return act.Name
}

// sync replaces the registered MCP capabilities with the snapshot's. Adds
// overwrite by name, so only vanished entries need explicit removal. mcp-go
// emits the list-changed notifications on each batch.
func (b *mcpBridge) sync(snap *actions.Snapshot) {
	var tools []mcpserver.ServerTool
	var prompts []mcpserver.ServerPrompt
	var resources []mcpserver.ServerResource

	for _, entry := range snap.Packages() {
		for i := range entry.Actions {
			act := &entry.Actions[i]
			switch act.Kind {
			case actions.ToolKindResource:
				resources = append(resources, b.buildResource(act))
			case actions.ToolKindPrompt:
				prompts = append(prompts, b.buildPrompt(act))
			default:
				tools = append(tools, b.buildTool(act))
			}
		}
	}

	nextTools := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		nextTools[t.Tool.Name] = struct{}{}
	}
	nextPrompts := make(map[string]struct{}, len(prompts))
	for _, p := range prompts {
		nextPrompts[p.Prompt.Name] = struct{}{}
	}
	nextResources := make(map[string]struct{}, len(resources))
	for _, res := range resources {
		nextResources[res.Resource.URI] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if gone := missingFrom(b.tools, nextTools); len(gone) > 0 {
		b.srv.DeleteTools(gone...)
	}
	if gone := missingFrom(b.prompts, nextPrompts); len(gone) > 0 {
		b.srv.DeletePrompts(gone...)
	}
	// The MCP server has no batch removal for resources.
	for _, uri := range missingFrom(b.resources, nextResources) {
		b.srv.RemoveResource(uri)
	}

	if len(tools) > 0 {
		b.srv.AddTools(tools...)
	}
	if len(prompts) > 0 {
		b.srv.AddPrompts(prompts...)
	}
	if len(resources) > 0 {
		b.srv.AddResources(resources...)
	}

	b.tools, b.prompts, b.resources = nextTools, nextPrompts, nextResources
	logging.Debug("MCP", "Serving %d tools, %d prompts, %d resources at catalog v%d",
		len(tools), len(prompts), len(resources), snap.Version)
}

func missingFrom(prev, next map[string]struct{}) []string {
	var gone []string
	for name := range prev {
		if _, ok := next[name]; !ok {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	return gone
}

func (b *mcpBridge) buildTool(act *actions.Action) mcpserver.ServerTool {
	tool := mcp.NewToolWithRawSchema(
		toolName(act.PackageSlug, act.Slug),
		toolDescription(act),
		act.InputSchema,
	)
	tool.Annotations = mcp.ToolAnnotation{
		Title:           act.DisplayName,
		DestructiveHint: mcp.ToBoolPtr(act.Consequential),
	}
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: b.toolHandler(act.PackageSlug, act.Slug),
	}
}

func (b *mcpBridge) toolHandler(pkgSlug, actionSlug string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input := json.RawMessage(`{}`)
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				encoded, err := json.Marshal(argsMap)
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("encoding arguments: %v", err)), nil
				}
				input = encoded
			}
		}
		text, err := b.run(ctx, pkgSlug, actionSlug, input)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (b *mcpBridge) buildResource(act *actions.Action) mcpserver.ServerResource {
	pkgSlug, actionSlug := act.PackageSlug, act.Slug
	uri := resourceURI(pkgSlug, actionSlug)
	resource := mcp.NewResource(
		uri,
		toolName(pkgSlug, actionSlug),
		mcp.WithResourceDescription(toolDescription(act)),
		mcp.WithMIMEType(resourceMIMEType),
	)
	handler := func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := b.run(ctx, pkgSlug, actionSlug, json.RawMessage(`{}`))
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: resourceMIMEType, Text: text},
		}, nil
	}
	return mcpserver.ServerResource{Resource: resource, Handler: handler}
}

func (b *mcpBridge) buildPrompt(act *actions.Action) mcpserver.ServerPrompt {
	pkgSlug, actionSlug := act.PackageSlug, act.Slug
	description := toolDescription(act)
	prompt := mcp.Prompt{
		Name:        toolName(pkgSlug, actionSlug),
		Description: description,
		Arguments:   promptArguments(act.InputSchema),
	}
	handler := func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		input := json.RawMessage(`{}`)
		if len(req.Params.Arguments) > 0 {
			encoded, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return nil, fmt.Errorf("encoding arguments: %w", err)
			}
			input = encoded
		}
		text, err := b.run(ctx, pkgSlug, actionSlug, input)
		if err != nil {
			return nil, err
		}
		return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		}), nil
	}
	return mcpserver.ServerPrompt{Prompt: prompt, Handler: handler}
}

// promptArguments flattens the top-level properties of an input schema into
// prompt arguments. Prompt parameters arrive as strings per the protocol, so
// prompt-kind actions are expected to declare string inputs.
func promptArguments(schema json.RawMessage) []mcp.PromptArgument {
	var parsed struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}
	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]mcp.PromptArgument, 0, len(names))
	for _, name := range names {
		args = append(args, mcp.PromptArgument{
			Name:        name,
			Description: parsed.Properties[name].Description,
			Required:    required[name],
		})
	}
	return args
}

// run executes one action synchronously through the lifecycle and returns
// its result payload. MCP callers carry no invocation headers; declared
// secrets still resolve through operator overrides and the process
// environment.
func (b *mcpBridge) run(ctx context.Context, pkgSlug, actionSlug string, input json.RawMessage) (string, error) {
	act, _, ok := b.deps.Catalog.Current().Lookup(pkgSlug, actionSlug)
	if !ok {
		return "", fault.New(fault.KindUnknownAction, "action %s/%s is not served", pkgSlug, actionSlug)
	}

	env, payload, err := b.deps.Codec.Decode(http.Header{}, input, act, func(name string) (string, bool) {
		return b.deps.Secrets.Get(pkgSlug, name)
	})
	if err != nil {
		return "", err
	}

	res, err := b.deps.Lifecycle.Submit(ctx, pkgSlug, actionSlug, env, payload)
	if err != nil {
		return "", err
	}

	run := res.Run
	switch {
	case run.Status == store.StatusPass:
		if run.ResultPayload != nil {
			return *run.ResultPayload, nil
		}
		return "null", nil
	case run.ErrorMessage != nil:
		return "", fmt.Errorf("%s", *run.ErrorMessage)
	default:
		return "", fmt.Errorf("run %s ended %s", run.ID, run.Status)
	}
}
