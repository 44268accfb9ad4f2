package signaling

import (
	"encoding/json"

	"chime-live/internal/pool"
)

// Message types sent by clients.
const (
	TypeStartMatchmaking = "start-matchmaking"
	TypeLeaveQueue       = "leave-queue"
	TypeNext             = "next"
	TypeCallOffer        = "call-offer"
	TypeEndCall          = "end-call"
)

// Message types sent by the gateway.
const (
	TypeMatchFound          = "match-found"
	TypeSelfLoop            = "self-loop"
	TypeWait                = "wait"
	TypeReceiveCall         = "receive-call"
	TypeCallEnded           = "call-ended"
	TypeDuplicateConnection = "duplicate-connection"
	TypeTargetUnavailable   = "target-unavailable"
	TypeGlobalError         = "global-error"
)

// Message types used in both directions.
const (
	TypeCallAccepted = "call-accepted"
	TypeICECandidate = "ice-candidate"
	TypeOnlineCount  = "online-count"
)

const (
	supersededMessage = "You were disconnected because your account connected from another session."
	tryAgainMessage   = "Something went wrong, please try again."
)

// Message is the JSON frame exchanged over the websocket. Only the fields
// relevant to Type are set; SDP offers, answers and ICE candidates are
// relayed without being inspected.
type Message struct {
	Type string `json:"type"`

	Attrs *pool.Attrs `json:"attrs,omitempty"`
	Prefs *pool.Prefs `json:"prefs,omitempty"`

	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	PartnerID string `json:"partnerId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	IsInitiator *bool  `json:"isInitiator,omitempty"`
	IsEnder     *bool  `json:"isEnder,omitempty"`
	Count       *int64 `json:"count,omitempty"`
	Message     string `json:"message,omitempty"`
}

func matchFound(partnerID string, initiator bool) Message {
	return Message{Type: TypeMatchFound, PartnerID: partnerID, IsInitiator: &initiator}
}

func callEnded(isEnder bool) Message {
	return Message{Type: TypeCallEnded, IsEnder: &isEnder}
}

func onlineCount(n int64) Message {
	return Message{Type: TypeOnlineCount, Count: &n}
}

func globalError(message string) Message {
	return Message{Type: TypeGlobalError, Message: message}
}

func targetUnavailable(to string) Message {
	return Message{Type: TypeTargetUnavailable, To: to}
}
