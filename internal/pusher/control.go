package pusher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	channelPrefix = "chatrooms."
	channelSuffix = ".v2"
)

type controlFrame struct {
	Event string      `json:"event"`
	Data  channelData `json:"data"`
}

type channelData struct {
	Channel string `json:"channel"`
}

// ChannelName returns the upstream topic for a chatroom.
func ChannelName(chatroomID int64) string {
	return channelPrefix + strconv.FormatInt(chatroomID, 10) + channelSuffix
}

// ParseChannel extracts the chatroom id from a topic produced by ChannelName.
func ParseChannel(channel string) (int64, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || !strings.HasSuffix(channel, channelSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(channel, channelPrefix), channelSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// SubscribeFrame builds the pusher:subscribe control frame for a chatroom.
func SubscribeFrame(chatroomID int64) ([]byte, error) {
	return channelFrame(EventSubscribe, chatroomID)
}

// UnsubscribeFrame builds the pusher:unsubscribe control frame for a chatroom.
func UnsubscribeFrame(chatroomID int64) ([]byte, error) {
	return channelFrame(EventUnsubscribe, chatroomID)
}

// PongFrame answers a pusher:ping.
func PongFrame() []byte {
	return []byte(`{"event":"` + EventPong + `","data":{}}`)
}

func channelFrame(event string, chatroomID int64) ([]byte, error) {
	if chatroomID <= 0 {
		return nil, fmt.Errorf("pusher: invalid chatroom id %d", chatroomID)
	}
	return json.Marshal(controlFrame{Event: event, Data: channelData{Channel: ChannelName(chatroomID)}})
}
