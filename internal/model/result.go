package model

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// PipelineResult is the terminal artifact handed to callers. Descriptors and
// diagnostics keep their pipeline order.
type PipelineResult struct {
	Descriptors []ServerDescriptor
	Diagnostics []Diagnostic
	Status      Status
}

// lossyCodes are warning-level diagnostics that still mean "some input entry
// did not survive to the output". Deliberate selector exclusions are not
// lossy: the user asked for them.
var lossyCodes = map[string]struct{}{
	CodeDedupDropped:   {},
	CodeLimitTruncated: {},
}

// DeriveStatus implements the terminal status rules:
//
//   - Failure iff zero descriptors survive,
//   - PartialSuccess when at least one error diagnostic was recorded, or a
//     lossy warning dropped entries on the way,
//   - Success otherwise (informational warnings allowed).
func DeriveStatus(descriptors []ServerDescriptor, diagnostics []Diagnostic) Status {
	if len(descriptors) == 0 {
		return StatusFailure
	}
	for _, d := range diagnostics {
		if d.Severity == SeverityError {
			return StatusPartialSuccess
		}
		if _, ok := lossyCodes[d.Code]; ok {
			return StatusPartialSuccess
		}
	}
	return StatusSuccess
}
