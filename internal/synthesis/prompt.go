package synthesis

import (
	"fmt"
	"strings"
)

// excerptChars is how much of each document is embedded into prompts.
const excerptChars = 1500

// fallbackExcerptChars is the shorter excerpt used by the degraded retry.
const fallbackExcerptChars = 300

// AnalysisPrompt builds the full-analysis prompt from both document texts.
func AnalysisPrompt(payslipText, policyText string) string {
	return fmt.Sprintf(`%s

Provide comprehensive tax analysis including:
- 2-3 tax saving tips as simple bullet points
- 2-3 recommended actions as simple bullet points
- Estimated savings as a number
- Tax liability breakdown

Base everything ONLY on the actual document content provided.

TAX ANALYSIS:
`, baseContext(payslipText, policyText, excerptChars))
}

// ContextPrompt builds the retrieval-grounded prompt from the chunks most
// relevant to the question.
func ContextPrompt(question string, contextChunks []string) string {
	context := strings.Join(contextChunks, "\n\n")
	return fmt.Sprintf(`DOCUMENT CONTEXT (User's actual uploaded documents):
%s

USER QUESTION: %s

As a tax expert, answer using the actual document context when relevant.

ANSWER:
`, context, question)
}

// FallbackPrompt builds the short degraded-mode prompt with trimmed excerpts
// and a smaller ask.
func FallbackPrompt(payslipText, policyText string) string {
	return fmt.Sprintf(`Based on these document extracts:

PAYSLIP:
%s

POLICY:
%s

Provide 2 simple tax tips and 2 recommended actions as bullet points.

RESPONSE:
`, excerptOr(payslipText, fallbackExcerptChars, "No content"),
		excerptOr(policyText, fallbackExcerptChars, "No content"))
}

func baseContext(payslipText, policyText string, limit int) string {
	return fmt.Sprintf(`DOCUMENT CONTENT (Extracted via OCR):

PAYSLIP DATA:
%s

POLICY DOCUMENT:
%s

As a professional Indian tax advisor, analyze these ACTUAL documents and provide personalized tax advice.
Return ONLY simple text - no JSON, no objects, no complex structures.`,
		excerptOr(payslipText, limit, "No payslip content extracted"),
		excerptOr(policyText, limit, "No policy content extracted"))
}

// excerptOr truncates text to limit bytes, or substitutes placeholder when
// the text is empty.
func excerptOr(text string, limit int, placeholder string) string {
	if text == "" {
		return placeholder
	}
	if len(text) > limit {
		return text[:limit]
	}
	return text
}
