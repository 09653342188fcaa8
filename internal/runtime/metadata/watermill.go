package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill message metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	maps.Copy(result, md)
	return result
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	maps.Copy(wm, md)
	return wm
}
