package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ppiankov/proofvault/internal/policy"
)

// ConverseAPI is the subset of the Bedrock runtime client the planner uses.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockConfig configures the learned planner.
type BedrockConfig struct {
	Region    string `yaml:"region" mapstructure:"region"`
	ModelID   string `yaml:"model_id" mapstructure:"model_id"`
	MaxTokens int32  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// DefaultMaxTokens caps one planned statement.
const DefaultMaxTokens = 512

// Bedrock plans statements with a Bedrock-hosted model via the Converse API.
type Bedrock struct {
	client    ConverseAPI
	modelID   string
	maxTokens int32
	logger    *slog.Logger
}

// NewBedrock loads AWS configuration from the environment and returns a
// planner bound to cfg.ModelID.
func NewBedrock(ctx context.Context, cfg BedrockConfig, logger *slog.Logger) (*Bedrock, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("planner: bedrock model_id is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("planner: load aws config: %w", err)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewBedrockWithClient wraps an existing Converse client.
func NewBedrockWithClient(client ConverseAPI, cfg BedrockConfig, logger *slog.Logger) *Bedrock {
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Bedrock{client: client, modelID: cfg.ModelID, maxTokens: maxTokens, logger: logger}
}

// Plan asks the model for a single PostgreSQL SELECT over the authorized
// tables and returns the statement text with any markdown fence removed.
func (b *Bedrock) Plan(ctx context.Context, prompt string, schema policy.AuthorizedSchema) (string, error) {
	out, err := b.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt(schema)},
		},
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(b.maxTokens),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		return "", fmt.Errorf("planner: converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("planner: model returned no message")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(t.Value)
		}
	}
	stmt := stripFence(sb.String())
	if stmt == "" {
		return "", errors.New("planner: model returned an empty statement")
	}
	b.logger.Debug("planned statement", "model", b.modelID, "stop_reason", out.StopReason)
	return stmt, nil
}

// systemPrompt describes the authorized tables. Columns are advisory.
func systemPrompt(schema policy.AuthorizedSchema) string {
	var sb strings.Builder
	sb.WriteString("You translate questions into exactly one PostgreSQL SELECT statement.\n")
	sb.WriteString("Use only these schema-qualified tables. Reply with SQL only, no prose.\n")
	for _, db := range schema.Databases {
		for _, t := range db.Tables {
			sb.WriteString("- ")
			sb.WriteString(t.Name)
			if len(t.Columns) > 0 {
				sb.WriteString(" (")
				sb.WriteString(strings.Join(t.Columns, ", "))
				sb.WriteString(")")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// stripFence removes a surrounding ``` or ```sql fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
