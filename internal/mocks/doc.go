// Package mocks provides shared test doubles for model clients.
//
//	mockLLM := mocks.NewMockLLMClient()
//	mockLLM.RespondWith(`{"adaptability": 0, "creativity": 0, "reasoning": 0, "rationale": "no evidence"}`)
//	evaluator := control.NewLLMEvaluator(mockLLM, control.EvaluatorConfig{})
package mocks
