// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// DefaultModelID is used when no model is configured
const DefaultModelID = "anthropic.claude-3-haiku-20240307-v1:0"

// ModelInvoker is the subset of the Bedrock runtime client used here
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockConfig describes one generation kind
type BedrockConfig struct {
	Kind        string
	ModelID     string
	MaxTokens   int
	Temperature float64
	// PromptTemplate is a text/template rendered with the task payload
	PromptTemplate string
	Required       []string
	// JSONOutput parses the generation as a JSON object and merges its
	// fields into the task result
	JSONOutput bool
}

type builtinPrompt struct {
	template string
	required []string
	json     bool
}

var builtinPrompts = map[string]builtinPrompt{
	"curate_topic": {
		template: `You are the editor of a short audio podcast. Plan an episode about "{{.topic}}".
Respond with only a JSON object of the form {"title": "...", "summary": "...", "segments": [{"title": "...", "angle": "..."}]} with three to five segments.`,
		required: []string{"topic"},
		json:     true,
	},
	"weave_script": {
		template: `Write the narration script for one segment of a podcast about "{{.topic}}".
{{with index . "segment"}}Segment: {{json .}}
{{end}}Write in a warm conversational tone, about 300 words, plain text without stage directions.`,
		required: []string{"topic"},
	},
	"render_cover": {
		template: `Describe cover artwork for a podcast episode titled "{{.title}}" in one paragraph an illustrator can work from. Mention palette, composition and mood.`,
		required: []string{"title"},
	},
}

// BedrockConfigFor returns the built-in configuration for kind. An empty
// template override keeps the built-in prompt.
func BedrockConfigFor(kind, modelID, promptOverride string, maxTokens int, temperature float64) (BedrockConfig, error) {
	cfg := BedrockConfig{
		Kind:           kind,
		ModelID:        modelID,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		PromptTemplate: promptOverride,
	}
	if builtin, ok := builtinPrompts[kind]; ok {
		cfg.Required = builtin.required
		cfg.JSONOutput = builtin.json
		if cfg.PromptTemplate == "" {
			cfg.PromptTemplate = builtin.template
		}
	}
	if cfg.PromptTemplate == "" {
		return BedrockConfig{}, fmt.Errorf("no built-in prompt for kind %s; set agent.prompt_template", kind)
	}
	return cfg, nil
}

// BedrockExecutor generates text with a Bedrock model and stores it as an
// artifact. The task result carries the artifact reference and token usage.
type BedrockExecutor struct {
	cfg       BedrockConfig
	invoker   ModelInvoker
	artifacts ArtifactStore
	prompt    *template.Template
}

var _ Executor = (*BedrockExecutor)(nil)

// NewBedrockExecutor validates cfg and parses its prompt template
func NewBedrockExecutor(cfg BedrockConfig, invoker ModelInvoker, artifacts ArtifactStore) (*BedrockExecutor, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("bedrock executor kind is required")
	}
	if invoker == nil || artifacts == nil {
		return nil, fmt.Errorf("bedrock executor needs a model invoker and an artifact store")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if family := modelFamily(cfg.ModelID); family == "" {
		return nil, fmt.Errorf("unsupported model family: %s", cfg.ModelID)
	}

	tmpl, err := template.New(cfg.Kind).
		Option("missingkey=error").
		Funcs(template.FuncMap{"json": toJSON}).
		Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template for %s: %w", cfg.Kind, err)
	}
	return &BedrockExecutor{cfg: cfg, invoker: invoker, artifacts: artifacts, prompt: tmpl}, nil
}

func (e *BedrockExecutor) Kind() string { return e.cfg.Kind }

func (e *BedrockExecutor) Validate(payload json.RawMessage) error {
	_, err := decodePayload(payload, e.cfg.Required)
	return err
}

func (e *BedrockExecutor) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	fields, err := decodePayload(task.Payload, e.cfg.Required)
	if err != nil {
		return nil, permanent("invalid_payload", "%v", err)
	}

	var prompt bytes.Buffer
	if err := e.prompt.Execute(&prompt, fields); err != nil {
		return nil, permanent("invalid_payload", "failed to render prompt: %v", err)
	}

	gen, err := e.generate(ctx, prompt.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(gen.text) == "" {
		return nil, transient("empty_generation", "model %s returned no content", e.cfg.ModelID)
	}

	result := map[string]interface{}{}
	ext, contentType := ".txt", "text/plain; charset=utf-8"
	if e.cfg.JSONOutput {
		obj, err := extractJSONObject(gen.text)
		if err != nil {
			return nil, transient("malformed_generation", "%v", err)
		}
		for k, v := range obj {
			result[k] = v
		}
		ext, contentType = ".json", "application/json"
	}

	ref, err := e.artifacts.Put(ctx, task.OperationKind+"/"+task.Handle.String()+ext, []byte(gen.text), contentType)
	if err != nil {
		return nil, transient("artifact_store_unavailable", "%v", err)
	}

	result["artifact_ref"] = ref
	result["model"] = e.cfg.ModelID
	result["input_tokens"] = gen.inputTokens
	result["output_tokens"] = gen.outputTokens
	return json.Marshal(result)
}

type generation struct {
	text         string
	inputTokens  int
	outputTokens int
}

func (e *BedrockExecutor) generate(ctx context.Context, prompt string) (generation, error) {
	body, err := json.Marshal(e.requestBody(prompt))
	if err != nil {
		return generation{}, permanent("invalid_payload", "failed to marshal request: %v", err)
	}

	output, err := e.invoker.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.cfg.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return generation{}, classifyBedrockError(err)
	}

	gen, err := parseResponseBody(output.Body, e.cfg.ModelID)
	if err != nil {
		return generation{}, transient("malformed_generation", "failed to parse response: %v", err)
	}
	return gen, nil
}

func (e *BedrockExecutor) requestBody(prompt string) map[string]interface{} {
	if modelFamily(e.cfg.ModelID) == "amazon" {
		return map[string]interface{}{
			"inputText": prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": e.cfg.MaxTokens,
				"temperature":   e.cfg.Temperature,
				"topP":          0.9,
			},
		}
	}
	return map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        e.cfg.MaxTokens,
		"temperature":       e.cfg.Temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
}

func parseResponseBody(body []byte, model string) (generation, error) {
	if modelFamily(model) == "amazon" {
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return generation{}, err
		}
		gen := generation{inputTokens: resp.InputTextTokenCount}
		if len(resp.Results) > 0 {
			gen.text = resp.Results[0].OutputText
			gen.outputTokens = resp.Results[0].TokenCount
		}
		return gen, nil
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return generation{}, err
	}
	gen := generation{inputTokens: resp.Usage.InputTokens, outputTokens: resp.Usage.OutputTokens}
	if len(resp.Content) > 0 {
		gen.text = resp.Content[0].Text
	}
	return gen, nil
}

// modelFamily returns the provider prefix of a Bedrock model id, with or
// without a cross-region inference prefix such as "us.".
func modelFamily(model string) string {
	for _, family := range []string{"anthropic", "amazon"} {
		if strings.HasPrefix(model, family+".") || strings.Contains(model, "."+family+".") {
			return family
		}
	}
	return ""
}

// classifyBedrockError separates request problems, which another attempt
// cannot fix, from throttling and service faults.
func classifyBedrockError(err error) error {
	var validation *types.ValidationException
	var denied *types.AccessDeniedException
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &validation):
		return permanent("model_rejected_request", "%v", err)
	case errors.As(err, &denied):
		return permanent("model_access_denied", "%v", err)
	case errors.As(err, &notFound):
		return permanent("model_not_found", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return transient("timeout", "%v", err)
	default:
		return transient("model_unavailable", "%v", err)
	}
}

// extractJSONObject parses the outermost JSON object in text. Models often
// wrap JSON in a markdown fence.
func extractJSONObject(text string) (map[string]interface{}, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("generation is not a JSON object")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("generation is not a JSON object: %w", err)
	}
	return obj, nil
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
