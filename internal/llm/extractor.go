// Package llm - extractor.go provides generic LLM-based structured extraction.
package llm

import (
	"fmt"
	"strings"
)

// ExtractionSchema defines the structure for LLM-based content extraction.
// It provides a reusable way to define what information to extract from text.
type ExtractionSchema struct {
	Name        string        // Schema name (e.g., "DocumentAnalysis")
	Description string        // System prompt preamble describing the extraction task
	Fields      []SchemaField // Expected output fields
}

// SchemaField defines a single field in the extraction output.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint: "string", "[]string", "map[string]string"
	Description string // Description for the LLM
	Required    bool   // Whether this field is required
}

// BuildExtractionPrompt constructs the LLM prompt from schema and input text.
func BuildExtractionPrompt(schema ExtractionSchema, inputText string) string {
	var sb strings.Builder

	// System description
	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")

	// Output schema
	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "string"
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s", field.Name, typeHint, requiredHint))
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	// Instructions
	sb.WriteString("IMPORTANT:\n")
	sb.WriteString("- Extract information directly from the text, do not invent or summarize.\n")
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n\n")

	// Input text
	sb.WriteString("Input text:\n\"\"\"\n")
	sb.WriteString(inputText)
	sb.WriteString("\n\"\"\"\n")

	return sb.String()
}

// --- Predefined Schemas ---

// DocumentAnalysisSchema returns the extraction schema for source document
// analysis. Extracts claims, themes and the quantities worth computing from
// the accompanying dataset.
func DocumentAnalysisSchema() ExtractionSchema {
	return ExtractionSchema{
		Name: "DocumentAnalysis",
		Description: `You are an expert research analyst. COPY TEXT VERBATIM - do not paraphrase, summarize, or reword.
Your task is to extract the analyzable substance of a research document.
IMPORTANT: Preserve the exact wording of every claim.
Goal: Identify claims, themes, and the dataset columns and quantities that could verify or refute each claim.
EXCLUDE: Acknowledgements, references, funding statements, boilerplate.`,
		Fields: []SchemaField{
			{
				Name:        "claims",
				Type:        "[\"string\"]",
				Description: "Factual or quantitative claims made by the document - copy each verbatim",
				Required:    true,
			},
			{
				Name:        "themes",
				Type:        "[\"string\"]",
				Description: "Recurring topics or hypotheses the document develops",
				Required:    true,
			},
			{
				Name:        "relevant_columns",
				Type:        "[\"string\"]",
				Description: "Dataset column names the claims refer to, exactly as they appear",
				Required:    false,
			},
			{
				Name:        "candidate_metrics",
				Type:        "[\"string\"]",
				Description: "Quantities worth computing (e.g., 'mean of response_time by group')",
				Required:    true,
			},
		},
	}
}

// StatisticalFindingsSchema returns the extraction schema for turning
// computed metrics into structured findings tied back to document claims.
func StatisticalFindingsSchema() ExtractionSchema {
	return ExtractionSchema{
		Name: "StatisticalFindings",
		Description: `You are an expert statistician reviewing computed metrics.
Your task is to turn raw computed values into findings a reader can check against the numbers.
Every finding must cite the metric value it rests on. Do not introduce numbers that were not computed.`,
		Fields: []SchemaField{
			{
				Name:        "findings",
				Type:        "[\"string\"]",
				Description: "One sentence per finding, each citing a computed value",
				Required:    true,
			},
			{
				Name:        "supported_claims",
				Type:        "[\"string\"]",
				Description: "Document claims the computed metrics support",
				Required:    true,
			},
			{
				Name:        "contradicted_claims",
				Type:        "[\"string\"]",
				Description: "Document claims the computed metrics contradict",
				Required:    true,
			},
			{
				Name:        "caveats",
				Type:        "[\"string\"]",
				Description: "Limitations of the computation (sample size, missing columns)",
				Required:    false,
			},
		},
	}
}
