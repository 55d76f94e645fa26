// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

// AvailabilityType selects what an AvailabilityTest inspects.
type AvailabilityType int

// Availability test kinds. Each one names the condition that marks
// a reply as "resource does not exist".
const (
	NegativeCode AvailabilityType = iota
	NegativeType
	NegativeSize
)

// AvailabilityTest decides whether a fetched reply is a real resource
// or a placeholder served by the remote for missing content.
type AvailabilityTest struct {
	Type  AvailabilityType
	Codes []int
	MIME  string
	Size  int
}

// Available reports false when the reply matches the negative condition.
func (a *AvailabilityTest) Available(reply *Reply) bool {
	switch a.Type {
	case NegativeCode:
		for _, c := range a.Codes {
			if reply.Code == c {
				return false
			}
		}
	case NegativeType:
		if reply.Code == 200 && reply.ContentType == a.MIME {
			return false
		}
	case NegativeSize:
		if reply.Code == 200 && reply.Content.Size() <= a.Size {
			return false
		}
	}
	return true
}
