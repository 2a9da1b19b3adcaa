package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultModel is used when neither the config nor the prompt names one.
const DefaultModel = "gemini-1.5-flash"

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
}

// GeminiBackend sends requests to the Gemini API.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiBackend creates a client from cfg, falling back to the
// GEMINI_API_KEY and GEMINI_MODEL environment variables.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not found")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = os.Getenv("GEMINI_MODEL")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	return &GeminiBackend{client: client, model: modelName, temperature: cfg.Temperature}, nil
}

// Close releases the underlying client.
func (g *GeminiBackend) Close() error { return g.client.Close() }

// Invoke sends the rendered prompt. Template frontmatter overrides the
// backend's model and temperature.
func (g *GeminiBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	name := g.model
	if req.Config.Model != "" {
		name = req.Config.Model
	}
	model := g.client.GenerativeModel(name)
	temp := g.temperature
	if req.Config.Temperature > 0 {
		temp = req.Config.Temperature
	}
	model.SetTemperature(temp)
	if req.Config.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(req.Config.MaxOutputTokens)
	}
	if req.Config.ResponseMIMEType != "" {
		model.ResponseMIMEType = req.Config.ResponseMIMEType
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyGemini(err)
	}
	text, err := responseText(resp)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: text, Model: name}, nil
}

// responseText joins the first candidate's text parts. A response cut off
// by the token limit is partial and is treated as a server error.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", Fail(ClassServer, errors.New("empty response"))
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		return "", Fail(ClassServer, errors.New("partial response: max tokens reached"))
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", Fail(ClassServer, errors.New("response has no text"))
	}
	return sb.String(), nil
}

// classifyGemini maps SDK errors onto retry classes.
func classifyGemini(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return Fail(ClassRejected, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(ClassTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		f := Fail(classForHTTP(gerr.Code), err)
		if f.Class == ClassRateLimited {
			f.RetryAfter = parseRetryAfter(gerr.Header)
		}
		return f
	}

	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		if code := aerr.HTTPCode(); code > 0 {
			return Fail(classForHTTP(code), err)
		}
		if st := aerr.GRPCStatus(); st != nil {
			return Fail(classForGRPC(st.Code()), err)
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return Fail(classForGRPC(st.Code()), err)
	}
	return Fail(ClassServer, err)
}

func classForHTTP(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassRejected
	default:
		return ClassServer
	}
}

func classForGRPC(code codes.Code) Class {
	switch code {
	case codes.ResourceExhausted:
		return ClassRateLimited
	case codes.DeadlineExceeded:
		return ClassTimeout
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.NotFound, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return ClassRejected
	default:
		return ClassServer
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
