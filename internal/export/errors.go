package export

import "errors"

var (
	// ErrUnsupportedArchitecture is returned for checkpoints that are not GPT-2 family models.
	ErrUnsupportedArchitecture = errors.New("unsupported model architecture")

	// ErrMissingWeight is returned when a tensor the graph needs is absent from the checkpoint.
	ErrMissingWeight = errors.New("missing weight")

	// ErrShapeMismatch is returned when a checkpoint tensor disagrees with config.json.
	ErrShapeMismatch = errors.New("weight shape mismatch")

	// ErrUnsupportedOpset is returned for target opsets the builder cannot emit.
	ErrUnsupportedOpset = errors.New("unsupported opset version")

	// ErrInvalidName is returned for empty or identical input and output names.
	ErrInvalidName = errors.New("invalid graph value name")

	// ErrDuplicateName is returned when a requested name collides with a value
	// the graph already defines.
	ErrDuplicateName = errors.New("graph value name already in use")
)
