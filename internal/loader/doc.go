// Package loader reads Hugging Face model checkpoints: config.json plus
// SafeTensors weights, either as a single model.safetensors file or sharded
// behind model.safetensors.index.json.
//
// Example:
//
//	ckpt, err := loader.OpenCheckpoint("path/to/model")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ckpt.Close()
//
//	values, shape, err := ckpt.ReadFloat32("h.0.attn.c_attn.weight")
//
// Tensors are read on demand with ReadAt, so one checkpoint may be read from
// several goroutines.
package loader
