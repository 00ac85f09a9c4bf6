package orchestrator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type Result struct {
	InstanceID string `json:"instance_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// Report lists the outcome of a cleanup pass, one result per instance.
type Report struct {
	Results []Result `json:"results"`

	errs *multierror.Error
}

func (r *Report) ok(id, message string) {
	r.Results = append(r.Results, Result{InstanceID: id, Success: true, Message: message})
}

func (r *Report) fail(id string, err error) {
	_, message := Describe(err)
	r.Results = append(r.Results, Result{InstanceID: id, Message: message})
	r.errs = multierror.Append(r.errs, fmt.Errorf("instance %s: %w", id, err))
}

func (r *Report) Stopped() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

func (r *Report) Failed() int {
	return len(r.Results) - r.Stopped()
}

// Err returns every failure of the pass combined, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}
