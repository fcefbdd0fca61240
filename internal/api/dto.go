package api

// ForwardRequest carries one forward invocation. Tensor fields use the
// sequence-first layout documented on deltarule.Batch, flattened row-major.
type ForwardRequest struct {
	NumSeqs  int `json:"num_seqs"`
	SeqLen   int `json:"seq_len"`
	NumHeads int `json:"num_heads"`
	KeyDim   int `json:"key_dim"`
	ValDim   int `json:"val_dim"`

	Q    []float32 `json:"q"`
	K    []float32 `json:"k"`
	V    []float32 `json:"v"`
	Beta []float32 `json:"beta"`

	Scale            float64 `json:"scale,omitempty"`
	OutputAttentions bool    `json:"output_attentions,omitempty"`
	HeadFirst        bool    `json:"head_first,omitempty"`
}

type ForwardResponse struct {
	ID         string    `json:"id"`
	Object     string    `json:"object"`
	Created    int64     `json:"created"`
	Output     []float32 `json:"output"`
	Attn       []float32 `json:"attn,omitempty"`
	DurationMS float64   `json:"duration_ms"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
