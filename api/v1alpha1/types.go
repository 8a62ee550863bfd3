// Package v1alpha1 is the gRPC API of the rnn server. Messages are plain Go
// structs carried by a JSON codec.
package v1alpha1

// Tensor holds the values of one probe over a window, batch-major within
// each step: value i of sequence b at step t is Values[(t*batchSize+b)*size+i].
type Tensor struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
}

type EvaluateRequest struct {
	BatchSize int32     `json:"batchSize"`
	NumSteps  int32     `json:"numSteps"`
	Inputs    []*Tensor `json:"inputs"`
	// Outputs names the output probes to return.
	Outputs []string `json:"outputs"`
}

type EvaluateResponse struct {
	Outputs []*Tensor `json:"outputs"`
}

func (r *EvaluateResponse) Output(name string) *Tensor {
	for _, t := range r.Outputs {
		if t.Name == name {
			return t
		}
	}
	return nil
}
