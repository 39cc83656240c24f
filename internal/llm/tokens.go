// ABOUTME: Cheap token estimation used when the backend reports no usage
// ABOUTME: Roughly four characters per token

package llm

import "unicode/utf8"

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateRequestTokens approximates the prompt size of a request.
func EstimateRequestTokens(req *Request) int {
	total := EstimateTokens(req.System)
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			total += EstimateTokens(p.Text)
		}
	}
	return total
}
