package cast

import (
	"encoding/json"

	gocast "github.com/vishen/go-chromecast/cast"
)

const (
	nsConnection = "urn:x-cast:com.google.cast.tp.connection"
	nsHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	nsReceiver   = "urn:x-cast:com.google.cast.receiver"
	nsMedia      = "urn:x-cast:com.google.cast.media"

	senderID   = "sender-0"
	receiverID = "receiver-0"

	// DefaultMediaReceiver is the stock receiver application.
	DefaultMediaReceiver = "CC1AD845"
)

var pingHeader = gocast.PayloadHeader{Type: "PING"}

// stopAppRequest asks the receiver to end an application session. The
// library's StopHeader carries no sessionId.
type stopAppRequest struct {
	gocast.PayloadHeader
	SessionID string `json:"sessionId"`
}

// headerOf copies one of the library's shared headers so the request id can
// be set without touching the package variable.
func headerOf(h gocast.PayloadHeader) *gocast.PayloadHeader { return &h }

func stopApp(sessionID string) *stopAppRequest {
	return &stopAppRequest{PayloadHeader: gocast.StopHeader, SessionID: sessionID}
}

func launch(appID string) *gocast.LaunchRequest {
	return &gocast.LaunchRequest{PayloadHeader: gocast.LaunchHeader, AppId: appID}
}

func loadMedia(url, contentType, streamType string) *gocast.LoadMediaCommand {
	return &gocast.LoadMediaCommand{
		PayloadHeader: gocast.LoadHeader,
		Media: gocast.MediaItem{
			ContentId:   url,
			ContentType: contentType,
			StreamType:  streamType,
		},
		Autoplay: true,
	}
}

func stopMedia(mediaSessionID int) *gocast.MediaHeader {
	return &gocast.MediaHeader{PayloadHeader: gocast.StopHeader, MediaSessionId: mediaSessionID}
}

func messageType(payload string) string {
	var h gocast.PayloadHeader
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		return ""
	}
	return h.Type
}
