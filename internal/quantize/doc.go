// Package quantize implements dynamic weight quantization of ONNX models.
//
// Float32 weights read by MatMul and Gather nodes are replaced by 8-bit
// integer tensors with a scale and zero point. Activations are quantized at
// run time by DynamicQuantizeLinear, so no calibration data is needed.
//
// Quantization parameters follow the usual affine scheme over a range that
// always includes zero:
//
//	QUInt8: scale = (rmax - rmin) / 255, zero_point = round(-rmin / scale)
//	QInt8:  scale = max(|rmin|, |rmax|) / 127, zero_point = 0
//
// with values rounded half to even and clamped to the type range.
package quantize
