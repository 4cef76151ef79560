package location

import "github.com/bleepstore/bleepstore/internal/errors"

// LocationConstraintHeader is the per-request location override header.
const LocationConstraintHeader = "x-amz-meta-scal-location-constraint"

// ResolveLocation resolves backend info for a write: given a
// request's header override, the bucket's configured default location, and
// the registry of known locations, it returns the controlling location
// constraint name. Precedence: request-header override wins if present and
// registered; otherwise the bucket's location; otherwise the registry's
// default location. A constraint naming an unregistered location fails
// resolution.
func (r *Registry) ResolveLocation(headerOverride, bucketLocation string) (string, error) {
	if headerOverride != "" {
		if _, ok := r.Get(headerOverride); !ok {
			return "", errors.ErrInvalidArgument
		}
		return headerOverride, nil
	}
	if bucketLocation != "" {
		if _, ok := r.Get(bucketLocation); !ok {
			return "", errors.ErrInvalidArgument
		}
		return bucketLocation, nil
	}
	return r.defaultLocation, nil
}
