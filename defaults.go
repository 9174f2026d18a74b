package rhythm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SourceVersion hashes a workflow definition's source into the version
// string stored alongside it: two registrations of byte-identical source
// hash to the same version, making re-registration a no-op.
func SourceVersion(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Defaults applied to outbox-spawned tasks and sub-workflows, which carry
// no queue/retry/timeout of their own (Task.run and Workflow.run take only
// a name and inputs). Both store backends apply these constants directly.
const (
	DefaultQueue          = "default"
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 30
)

// CombineComposite applies Promise.all/any/race's completion rule to the
// per-child resolutions already polled by the store. Any/Race resume with
// {key, value}, key being the settled child's index in call order.
func CombineComposite(kind AwaitableKind, children []SuspensionResolution) (SuspensionResolution, error) {
	switch kind {
	case AwaitAll:
		values := make([]Value, len(children))
		allReady := true
		for i, c := range children {
			if !c.Ready {
				allReady = false
				continue
			}
			if c.Failure != nil {
				return SuspensionResolution{Ready: true, Failure: c.Failure}, nil
			}
			values[i] = c.Value
		}
		if !allReady {
			return SuspensionResolution{Ready: false}, nil
		}
		return SuspensionResolution{Ready: true, Value: ListOf(values)}, nil

	case AwaitAny:
		var anyPending bool
		var failures []Value
		for i, c := range children {
			if !c.Ready {
				anyPending = true
				continue
			}
			if c.Failure == nil {
				return SuspensionResolution{Ready: true, Value: keyedResult(i, c.Value)}, nil
			}
			failures = append(failures, *c.Failure)
		}
		if anyPending {
			return SuspensionResolution{Ready: false}, nil
		}
		agg := ErrVal("AGGREGATE_ERROR", fmt.Sprintf("all %d promises failed", len(failures)))
		return SuspensionResolution{Ready: true, Failure: &agg}, nil

	case AwaitRace:
		for i, c := range children {
			if !c.Ready {
				continue
			}
			if c.Failure != nil {
				return SuspensionResolution{Ready: true, Failure: c.Failure}, nil
			}
			return SuspensionResolution{Ready: true, Value: keyedResult(i, c.Value)}, nil
		}
		return SuspensionResolution{Ready: false}, nil

	default:
		return SuspensionResolution{}, NewScriptError(CodeInternalError, "not a composite promise kind")
	}
}

func keyedResult(index int, value Value) Value {
	return Obj(map[string]Value{"key": Num(float64(index)), "value": value})
}
