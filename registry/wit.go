package registry

import (
	"go.bytecodealliance.org/wit"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
)

// RegisterResolve walks a resolved WIT document and registers every
// named resource type it declares, all at the given safety level.
// Anonymous resource typedefs and non-resource types are skipped, and a
// name already present in the registry is left as-is rather than
// re-registered.
//
// Returns the identifiers of the types added by this call.
func (r *Registry) RegisterResolve(res *wit.Resolve, level wasmres.Level) ([]wasmres.TypeID, error) {
	if res == nil {
		return nil, errors.InvalidInput(errors.PhaseRegistry, "nil wit resolve")
	}

	var ids []wasmres.TypeID
	for _, td := range res.TypeDefs {
		if _, ok := td.Kind.(*wit.Resource); !ok {
			continue
		}
		if td.Name == nil {
			continue
		}
		id, err := r.Register(*td.Name, 0, nil, level)
		if err != nil {
			if errors.IsKind(err, errors.KindAlreadyExists) {
				continue
			}
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
