package gateway

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(apiKey string, baseURL string) *openAIProvider {
	// One network attempt per turn; the orchestrator surfaces failures
	// instead of retrying.
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		ooption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) complete(ctx context.Context, req providerRequest) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}

	items := make(oresponses.ResponseInputParam, 0, len(req.Turns)+1)
	for _, turn := range req.Turns {
		txt := strings.TrimSpace(turn.Text)
		if txt == "" {
			continue
		}
		role := oresponses.EasyInputMessageRoleUser
		if turn.Role == RoleAssistant {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, role))
	}

	// Current turn: text plus any inline images as one user message.
	content := make(oresponses.ResponseInputMessageContentListParam, 0, len(req.Images)+1)
	if txt := strings.TrimSpace(req.UserText); txt != "" {
		content = append(content, oresponses.ResponseInputContentUnionParam{
			OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
		})
	}
	for _, img := range req.Images {
		content = append(content, oresponses.ResponseInputContentUnionParam{
			OfInputImage: &oresponses.ResponseInputImageParam{
				Detail:   oresponses.ResponseInputImageDetailAuto,
				ImageURL: openai.String(dataURL(img.MIME, img.B64)),
			},
		})
	}
	if len(content) > 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(req.Model),
		MaxOutputTokens: openai.Int(req.MaxTokens),
		Input:           oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.Instructions = openai.String(sys)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("nil response")
	}
	return resp.OutputText(), nil
}
