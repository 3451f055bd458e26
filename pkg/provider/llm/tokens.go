package llm

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// messageOverhead approximates the per-message formatting tokens (role tags,
// separators) most chat APIs add.
const messageOverhead = 4

// EstimateTokens approximates the token count of msgs. Adapters without a
// tokenizer use it for CountTokens.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateMessageTokens approximates the token count of a single message,
// including its formatting overhead. Non-empty content never counts as zero.
func EstimateMessageTokens(m Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens + messageOverhead
}
