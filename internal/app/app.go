package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"portfolio-relay/internal/config"
	"portfolio-relay/internal/domain"
	"portfolio-relay/internal/integrations/gemini"
	"portfolio-relay/internal/integrations/paramstore"
	"portfolio-relay/internal/persona"
	"portfolio-relay/internal/repository"
	"portfolio-relay/internal/stream"
	"portfolio-relay/internal/usecase"
)

type Options struct {
	Logger *slog.Logger
	// LoadAWSConfig defaults to the SDK's default credential chain. It is
	// only called when a setting needs SSM or DynamoDB.
	LoadAWSConfig func(ctx context.Context) (aws.Config, error)
}

// NewRelayService builds the relay from cfg. Everything that can fail at
// startup fails here: bad settings, an unreadable persona, a persona that
// does not fit the chosen policy.
func NewRelayService(ctx context.Context, cfg config.Config, opts Options) (*usecase.RelayService, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loadAWS := opts.LoadAWSConfig
	if loadAWS == nil {
		loadAWS = func(ctx context.Context) (aws.Config, error) {
			return awsconfig.LoadDefaultConfig(ctx)
		}
	}

	var (
		awsCfg    aws.Config
		awsLoaded bool
	)
	awsConfig := func() (aws.Config, error) {
		if awsLoaded {
			return awsCfg, nil
		}
		c, err := loadAWS(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg, awsLoaded = c, true
		return awsCfg, nil
	}

	// ---- Persona (loaded once) ----
	p, err := loadPersona(ctx, cfg, awsConfig)
	if err != nil {
		return nil, err
	}
	policy, err := usecase.ParsePersonaPolicy(cfg.PersonaPolicy)
	if err != nil {
		return nil, err
	}
	if policy == usecase.PolicyNone && !p.IsZero() {
		logger.Warn("persona loaded but PERSONA_POLICY is none; it will not be sent upstream")
	}
	assembler, err := usecase.NewAssembler(policy, p, usecase.Limits{
		MaxMessageRunes: cfg.MaxMessageLength,
		MaxHistoryTurns: cfg.MaxHistoryTurns,
	})
	if err != nil {
		return nil, err
	}

	// ---- Upstream ----
	model := cfg.GeminiModel
	clientOpts := []gemini.Option{
		gemini.WithBaseURL(cfg.GeminiBaseURL),
		gemini.WithStreamFormat(gemini.StreamFormat(cfg.StreamFormat)),
		gemini.WithMaxOutputTokens(cfg.MaxOutputTokens),
		gemini.WithRetries(cfg.UpstreamMaxRetries, cfg.UpstreamRetryBase),
	}
	switch {
	case cfg.GeminiAPIKey != "":
		clientOpts = append(clientOpts, gemini.WithAPIKey(cfg.GeminiAPIKey))
	case cfg.ParamPrefix != "":
		ac, err := awsConfig()
		if err != nil {
			return nil, err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(ac))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		if override, ok, err := ssmClient.LookupParameter(ctx, paramstore.Name(cfg.ParamPrefix, paramstore.ModelKey)); err != nil {
			return nil, fmt.Errorf("app: load model override: %w", err)
		} else if ok {
			model = override
		}
		clientOpts = append(clientOpts, gemini.WithParamStore(ssmClient, cfg.ParamPrefix))
	}
	clientOpts = append(clientOpts, gemini.WithModel(model))

	client, err := gemini.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create gemini client: %w", err)
	}
	if !client.HasCredentials() {
		logger.Warn("no Gemini API key source configured; requests will fail with CONFIG_ERROR")
	}

	// ---- Relay ----
	mode := stream.ModeDecode
	if cfg.RelayMode == config.RelayModePassthrough {
		mode = stream.ModePassthrough
	}
	trailing := stream.TrailingDiscard
	if cfg.DecoderTrailing == config.TrailingReport {
		trailing = stream.TrailingReport
	}

	logger.Info("relay configured",
		"model", model,
		"format", string(client.Format()),
		"mode", mode.String(),
		"policy", string(policy),
		"priming_turns", len(p.PrimingTurns),
	)
	return usecase.NewRelayService(assembler, client, usecase.RelayOptions{
		Mode:      mode,
		MaxBuffer: cfg.DecoderMaxBuffer,
		Trailing:  trailing,
		Deadline:  cfg.RelayDeadline,
		Logger:    logger,
	})
}

func loadPersona(ctx context.Context, cfg config.Config, awsConfig func() (aws.Config, error)) (domain.PersonaConfig, error) {
	switch {
	case cfg.PersonaFile != "":
		return persona.LoadFile(cfg.PersonaFile)
	case cfg.PersonaTable != "":
		ac, err := awsConfig()
		if err != nil {
			return domain.PersonaConfig{}, err
		}
		store, err := repository.New(awsdynamodb.NewFromConfig(ac), cfg.PersonaTable)
		if err != nil {
			return domain.PersonaConfig{}, fmt.Errorf("app: create persona store: %w", err)
		}
		p, err := store.GetPersona(ctx, cfg.PersonaID)
		if err != nil {
			return domain.PersonaConfig{}, err
		}
		if err := persona.Validate(p); err != nil {
			return domain.PersonaConfig{}, err
		}
		return p, nil
	default:
		return domain.PersonaConfig{}, nil
	}
}
