package iolog

import "fmt"

// Channel is one file of a session log
type Channel int

// Channels, data channels first
const (
	Stdin Channel = iota
	Stdout
	Stderr
	TTYIn
	TTYOut
	Timing

	numChannels
)

var channelNames = [numChannels]string{
	"stdin",
	"stdout",
	"stderr",
	"ttyin",
	"ttyout",
	"timing",
}

func (c Channel) String() string {
	if c >= 0 && c < numChannels {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Event returns the timing event of a data channel
func (c Channel) Event() Event {
	return Event(c)
}

// ChannelSet is a set of channels
type ChannelSet uint8

// Has reports whether c is in the set
func (s ChannelSet) Has(c Channel) bool {
	return s&(1<<c) != 0
}

// With returns the set with c added
func (s ChannelSet) With(c ...Channel) ChannelSet {
	for _, ch := range c {
		s |= 1 << ch
	}
	return s
}

// AllChannels enables every data channel
var AllChannels = ChannelSet(0).With(Stdin, Stdout, Stderr, TTYIn, TTYOut)

// precreated channels are created with the log; others on first write
var precreated = ChannelSet(0).With(Stdout, Stderr, TTYOut)
