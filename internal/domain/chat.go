package domain

// Role identifies the speaker of a conversation turn. The upstream accepts
// "user" and "model"; other values are passed through and rejected there.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role Role   `json:"role" yaml:"role"`
	Text string `json:"text" yaml:"text"`
}

// RequestPayload is the ordered turn sequence sent upstream, plus the optional
// side-channel system instruction.
type RequestPayload struct {
	Turns             []Turn
	SystemInstruction string
}
