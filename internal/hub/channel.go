package hub

import "strings"

// Channel is the broadcast domain a session is admitted into. It is decided
// once from the request path and stored on the session, never re-derived.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelDevice
	ChannelVideo
	ChannelAlert
)

var channelNames = map[Channel]string{
	ChannelNone:   "none",
	ChannelDevice: "device",
	ChannelVideo:  "video",
	ChannelAlert:  "alert",
}

func (c Channel) String() string {
	if s, ok := channelNames[c]; ok {
		return s
	}
	return "unknown"
}

// ClassifyPath maps a request path to a channel. Prefix matches are tried
// in fixed priority order; an unrecognized path yields ChannelNone, which
// admits the connection into no registry. Classification never fails.
func ClassifyPath(path string) Channel {
	switch {
	case strings.HasPrefix(path, "/ws/fall"):
		return ChannelDevice
	case strings.HasPrefix(path, "/ws/admin/monitor"):
		return ChannelVideo
	case strings.HasPrefix(path, "/ws/video"):
		return ChannelVideo
	case strings.HasPrefix(path, "/ws/alert"):
		return ChannelAlert
	default:
		return ChannelNone
	}
}
