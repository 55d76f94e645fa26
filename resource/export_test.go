// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

// SetMaxBufferSize lowers the Buffer allocation limit until the
// returned function is called.
func SetMaxBufferSize(n int64) (restore func()) {
	old := maxBufferSize
	maxBufferSize = n
	return func() {
		maxBufferSize = old
	}
}
