// Package tokenizer provides the text tokenizers used to produce sample
// inputs for exported models.
//
// Two implementations are available:
//   - BPE: GPT-2 byte-level Byte-Pair Encoding, loaded from a HuggingFace
//     tokenizer.json or from a vocab.json + merges.txt pair
//   - tiktoken: OpenAI encodings (r50k_base matches the GPT-2 vocabulary)
//
// Load picks the best option available for a model directory:
//
//	tok, source, err := tokenizer.Load(dir)
//	if err != nil {
//	    return err
//	}
//	ids, err := tok.Encode("Hello, world!")
package tokenizer
