package discovery

import (
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// EnvPipe carries the socket path to the build command
const EnvPipe = "OP_TESTHOST_PIPE"

const maxMessageSize = 1024 * 1024

// MessageType discriminates build coordinator messages
type MessageType string

const (
	MessageModule      MessageType = "module"
	MessageBuildFailed MessageType = "build_failed"
	MessageAck         MessageType = "ack"
	MessageError       MessageType = "error"
)

// Message is a JSON line exchanged over the build coordinator socket.
// Module messages carry the TestModule fields inline.
type Message struct {
	Type MessageType `json:"type"`
	types.TestModule
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}
