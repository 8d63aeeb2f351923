package embedding

import (
	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/chatsearch/pkg/utils"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// Special token IDs of BERT-style vocabularies.
const (
	tokenCLS  = 101
	tokenSEP  = 102
	vocabSize = 30000
	// firstWordID keeps hashed word IDs clear of the special tokens.
	firstWordID = 1000
)

// SimpleTokenizer maps lowercase words to hashed vocabulary IDs. It needs no vocabulary file,
// at the cost of colliding words sharing IDs.
type SimpleTokenizer struct{}

// Tokenize produces [CLS] words... [SEP] padded to maxTokens.
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = tokenCLS
	attentionMask[0] = 1

	pos := 1
	for _, word := range utils.Terms(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = wordID(word)
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = tokenSEP
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

func wordID(word string) int64 {
	return firstWordID + int64(xxhash.Sum64String(word)%(vocabSize-firstWordID))
}
