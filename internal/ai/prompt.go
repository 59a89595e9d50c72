package ai

import "fmt"

const baseSystemPrompt = `You are an expert software developer for buildforge, a platform that turns natural-language descriptions into working software projects.

REQUIREMENTS - ALWAYS FOLLOW:
1. Never output demo code, mock data, placeholder content, or TODO comments
2. Always produce complete, production-ready, fully functional code
3. Include all necessary imports, error handling, and edge cases
4. Follow industry best practices and security standards
5. When external credentials are required, build everything possible and clearly mark where the user must add them`

// buildSystemPrompt creates capability-specific system prompts.
func buildSystemPrompt(capability Capability, language string) string {
	switch capability {
	case CapabilityPlanning:
		return baseSystemPrompt + "\n\nCreate a structured build plan: tech stack, features, data models, API endpoints, and the concrete files to generate. Respond with valid JSON only."

	case CapabilityArchitecture:
		return baseSystemPrompt + "\n\nDesign the system architecture: component boundaries, data flow, and storage layout. Be concrete and implementation-ready."

	case CapabilityCodeReview:
		return baseSystemPrompt + "\n\nFocus on thorough code analysis, identifying bugs, security issues, and performance problems, and provide concrete fixes with real code."

	case CapabilityDebugging:
		return baseSystemPrompt + "\n\nIdentify the root cause of issues, explain why they occur, and provide complete working fixes."

	case CapabilityTesting:
		return baseSystemPrompt + "\n\nWrite complete, runnable tests covering the main paths and the edge cases. Use the idiomatic test framework for " + orAny(language) + "."

	case CapabilityDocumentation:
		return baseSystemPrompt + "\n\nGenerate clear documentation with real code examples that actually work."

	case CapabilityRefactoring:
		return fmt.Sprintf("%s\n\nProvide complete refactored code following best practices for %s - actual refactored implementations, not suggestions.", baseSystemPrompt, orAny(language))

	default:
		return fmt.Sprintf("%s\n\nAssist with %s development tasks. Every piece of code you output must be complete and production-ready.", baseSystemPrompt, orAny(language))
	}
}

// buildUserPrompt constructs the user prompt from the request.
func buildUserPrompt(req *Request) string {
	prompt := req.Prompt

	if req.Code != "" {
		prompt += fmt.Sprintf("\n\nCode to analyze:\n```%s\n%s\n```", req.Language, req.Code)
	}

	if projectInfo := req.Context["project_info"]; projectInfo != "" {
		prompt += fmt.Sprintf("\n\nProject context: %s", projectInfo)
	}
	if plan := req.Context["build_plan"]; plan != "" {
		prompt += fmt.Sprintf("\n\nBuild plan:\n%s", plan)
	}
	if arch := req.Context["architecture"]; arch != "" {
		prompt += fmt.Sprintf("\n\nArchitecture:\n%s", arch)
	}

	return prompt
}

// maxTokensFor determines appropriate max tokens based on the request.
func maxTokensFor(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}

	switch req.Capability {
	case CapabilityCodeGeneration:
		return 4000
	case CapabilityPlanning, CapabilityArchitecture:
		return 3000
	case CapabilityCodeReview, CapabilityTesting:
		return 2000
	case CapabilityDocumentation:
		return 3000
	default:
		return 1000
	}
}

func orAny(language string) string {
	if language == "" {
		return "general"
	}
	return language
}
