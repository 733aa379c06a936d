// Package gochannel provides the in-process event channel used by single
// binary setups and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultBuffer bounds the events held per subscriber before Publish blocks.
const DefaultBuffer int64 = 1000

// CreateChannel returns one GoChannel serving as both publisher and
// subscriber. Events published before a subscriber attaches are dropped,
// matching a broker topic read from the latest offset.
func CreateChannel(logger watermill.LoggerAdapter, buffer int64) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, logger)

	return pubSub, pubSub, nil
}
