package apdu

import (
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// PropertyID identifies one property of an object.
type PropertyID uint32

const (
	PropDescription   PropertyID = 28
	PropObjectList    PropertyID = 76
	PropObjectName    PropertyID = 77
	PropPresentValue  PropertyID = 85
	PropStatusFlags   PropertyID = 111
	PropUnits         PropertyID = 117
	PropLogBuffer     PropertyID = 131
	PropRecordCount   PropertyID = 141
	PropPriorityArray PropertyID = 87
)

// PropertyResult is one property entry in a read-property-multiple result.
type PropertyResult struct {
	Value tlv.Value
	// List holds every value when the property carried more than one.
	List       []tlv.Value
	ArrayIndex *uint32
	// Err is a *ProtocolError for device-reported failures, or wraps
	// tlv.ErrMalformedTag when the value could not be decoded.
	Err error
}

func (r PropertyResult) OK() bool {
	return r.Err == nil
}

// ReadMultipleResult maps object -> property -> result.
type ReadMultipleResult map[tlv.ObjectID]map[PropertyID]PropertyResult

// PropertyValue is a decoded single-property payload.
type PropertyValue struct {
	Object     tlv.ObjectID
	Property   PropertyID
	ArrayIndex *uint32
	Value      tlv.Value
	List       []tlv.Value
	Priority   *uint8
}

// PropertyReference names one property of an object for multi-reads.
type PropertyReference struct {
	Property   PropertyID
	ArrayIndex *uint32
}

// ReadAccessSpec is one object entry of a read-property-multiple request.
type ReadAccessSpec struct {
	Object     tlv.ObjectID
	Properties []PropertyReference
}

// WriteValue is one property write of a write-property-multiple request.
type WriteValue struct {
	Property   PropertyID
	ArrayIndex *uint32
	Value      tlv.Value
	Priority   uint8
}

// WriteAccessSpec is one object entry of a write-property-multiple request.
type WriteAccessSpec struct {
	Object tlv.ObjectID
	Values []WriteValue
}
