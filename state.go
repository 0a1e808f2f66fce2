package novarfb

import (
	"fmt"

	"github.com/gogogo1024/novarfb/protocol"
)

// State is the phase of a server-side RFB connection. Exactly one state is
// active at a time and it alone decides how many bytes the next frame needs.
type State uint8

const (
	StateAwaitingClientVersion State = iota
	StateAwaitingClientSecurity
	StateAwaitingChallengeResponse
	StateAwaitingClientInit
	StateAwaitingClientMessageHeader
	StateAwaitingSetPixelFormatBody
	StateAwaitingSetEncodingsHeader
	StateAwaitingSetEncodingsValues
	StateAwaitingFramebufferUpdateRequestBody
	StateAwaitingKeyEventBody
	StateAwaitingPointerEventBody
	StateAwaitingClientCutTextHeader
	StateAwaitingClientCutTextValue
)

func (s State) String() string {
	switch s {
	case StateAwaitingClientVersion:
		return "AwaitingClientVersion"
	case StateAwaitingClientSecurity:
		return "AwaitingClientSecurity"
	case StateAwaitingChallengeResponse:
		return "AwaitingChallengeResponse"
	case StateAwaitingClientInit:
		return "AwaitingClientInit"
	case StateAwaitingClientMessageHeader:
		return "AwaitingClientMessageHeader"
	case StateAwaitingSetPixelFormatBody:
		return "AwaitingSetPixelFormatBody"
	case StateAwaitingSetEncodingsHeader:
		return "AwaitingSetEncodingsHeader"
	case StateAwaitingSetEncodingsValues:
		return "AwaitingSetEncodingsValues"
	case StateAwaitingFramebufferUpdateRequestBody:
		return "AwaitingFramebufferUpdateRequestBody"
	case StateAwaitingKeyEventBody:
		return "AwaitingKeyEventBody"
	case StateAwaitingPointerEventBody:
		return "AwaitingPointerEventBody"
	case StateAwaitingClientCutTextHeader:
		return "AwaitingClientCutTextHeader"
	case StateAwaitingClientCutTextValue:
		return "AwaitingClientCutTextValue"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// frameLen returns the number of bytes the state s consumes next. The two
// variable-length states read their count from sess. It returns -1 for a
// state outside the table.
func frameLen(s State, sess *ClientSession) int {
	switch s {
	case StateAwaitingClientVersion:
		return protocol.VersionLen
	case StateAwaitingClientSecurity, StateAwaitingClientInit, StateAwaitingClientMessageHeader:
		return 1
	case StateAwaitingChallengeResponse:
		return protocol.ChallengeLen
	case StateAwaitingSetPixelFormatBody:
		return protocol.SetPixelFormatLen
	case StateAwaitingSetEncodingsHeader:
		return protocol.SetEncodingsHeaderLen
	case StateAwaitingSetEncodingsValues:
		return sess.EncodingCount * protocol.EncodingLen
	case StateAwaitingFramebufferUpdateRequestBody:
		return protocol.FramebufferUpdateRequestLen
	case StateAwaitingKeyEventBody:
		return protocol.KeyEventLen
	case StateAwaitingPointerEventBody:
		return protocol.PointerEventLen
	case StateAwaitingClientCutTextHeader:
		return protocol.ClientCutTextHeaderLen
	case StateAwaitingClientCutTextValue:
		return int(sess.PendingCutTextLength)
	default:
		return -1
	}
}

// bodyState maps a message type to the state that reads its body.
func bodyState(t protocol.MessageType) State {
	switch t {
	case protocol.TypeSetPixelFormat:
		return StateAwaitingSetPixelFormatBody
	case protocol.TypeSetEncodings:
		return StateAwaitingSetEncodingsHeader
	case protocol.TypeFramebufferUpdateRequest:
		return StateAwaitingFramebufferUpdateRequestBody
	case protocol.TypeKeyEvent:
		return StateAwaitingKeyEventBody
	case protocol.TypePointerEvent:
		return StateAwaitingPointerEventBody
	default:
		return StateAwaitingClientCutTextHeader
	}
}
