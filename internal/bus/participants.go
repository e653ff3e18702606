package bus

// ParticipantUser is the sender/receiver id of the human side of a task.
const ParticipantUser = "user"

// Priorities attached to orchestrator traffic.
const (
	PriorityUserTurn    = 7 // user -> root and root -> user
	PriorityStageResult = 5 // stage -> root
)

// MaxPayloadText bounds text fields copied into message payloads.
const MaxPayloadText = 300
