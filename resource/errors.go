// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"github.com/juju/errors"

	"github.com/devblok/terrastream/resource/cache"
)

// Failure kinds. Resources record the failure that put them into an
// error state; test with errors.Is.
const (
	AllocationFailure = errors.ConstError("allocation failure")
	TransportFailure  = errors.ConstError("transport failure")
	DecodeFailure     = errors.ConstError("decode failure")
	CacheMiss         = cache.ErrMiss
	NotFound          = errors.NotFound
)
