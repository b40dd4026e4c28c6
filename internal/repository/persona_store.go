package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"portfolio-relay/internal/domain"
)

const skPersonaConfig = "CONFIG"

// ErrPersonaNotFound is returned when no persona item exists for the ID.
var ErrPersonaNotFound = errors.New("repository: persona not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Client reads persona configuration from a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// personaPK returns the DynamoDB partition key for a persona.
func personaPK(personaID string) string {
	return "PERSONA#" + personaID
}

// GetPersona loads a persona item. It is meant to be called once at startup.
func (c *Client) GetPersona(ctx context.Context, personaID string) (domain.PersonaConfig, error) {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		return domain.PersonaConfig{}, errors.New("repository: persona id must not be empty")
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: personaPK(personaID)},
			"SK": &types.AttributeValueMemberS{Value: skPersonaConfig},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("repository: GetPersona get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.PersonaConfig{}, fmt.Errorf("%w: %q", ErrPersonaNotFound, personaID)
	}

	persona, err := itemToPersona(out.Item)
	if err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("repository: GetPersona decode: %w", err)
	}
	return persona, nil
}

// itemToPersona converts a DynamoDB attribute map to a PersonaConfig.
// Both attributes are optional; a present attribute must be well formed.
func itemToPersona(item map[string]types.AttributeValue) (domain.PersonaConfig, error) {
	var persona domain.PersonaConfig
	if _, ok := item["instruction"]; ok {
		instruction, err := strAttr(item, "instruction")
		if err != nil {
			return domain.PersonaConfig{}, err
		}
		persona.InstructionText = instruction
	}

	raw, ok := item["priming"]
	if !ok {
		return persona, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return domain.PersonaConfig{}, errors.New(`repository: attribute "priming" is not a list`)
	}
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.PersonaConfig{}, fmt.Errorf("repository: priming[%d] is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return domain.PersonaConfig{}, fmt.Errorf("repository: priming[%d]: %w", i, err)
		}
		text, err := strAttr(m.Value, "text")
		if err != nil {
			return domain.PersonaConfig{}, fmt.Errorf("repository: priming[%d]: %w", i, err)
		}
		persona.PrimingTurns = append(persona.PrimingTurns, domain.Turn{Role: domain.Role(role), Text: text})
	}
	return persona, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
