package chat

import (
	"context"

	"telehealth-backend/openai"
)

// AIClient is the completion service the proxy calls. *openai.Client implements it.
type AIClient interface {
	Enabled() bool
	Complete(ctx context.Context, system, prompt string) (*openai.Completion, error)
	Stream(ctx context.Context, system, prompt string) (<-chan string, error)
}

const (
	consultationPrompt = "You are a telehealth assistant. Give general health information in plain language, " +
		"say clearly that you are not a doctor, and advise contacting emergency services for urgent symptoms."
	symptomCheckerPrompt = "You are a symptom checker. List possible common causes for the described symptoms, " +
		"suggest a level of care (self-care, primary care, urgent care, emergency) and never give a diagnosis."
)
