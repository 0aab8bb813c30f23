package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// ReportModules connects to the host's socket and reports every module.
// It is used by build scripts through the report subcommand.
func ReportModules(ctx context.Context, socketPath string, modules ...types.TestModule) error {
	msgs := make([]Message, 0, len(modules))
	for _, m := range modules {
		msgs = append(msgs, Message{Type: MessageModule, TestModule: m})
	}
	return send(ctx, socketPath, msgs)
}

// ReportBuildFailure tells the host that discovery failed upstream
func ReportBuildFailure(ctx context.Context, socketPath string, exitCode int, message string) error {
	if exitCode == 0 {
		return errors.New("build failure exit code must be non-zero")
	}
	return send(ctx, socketPath, []Message{{Type: MessageBuildFailed, ExitCode: exitCode, Message: message}})
}

func send(ctx context.Context, socketPath string, msgs []Message) error {
	if socketPath == "" {
		return fmt.Errorf("socket path is empty, is %s set?", EnvPipe)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)

	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read reply: %w", err)
			}
			return errors.New("connection closed before reply")
		}
		var reply Message
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			return fmt.Errorf("invalid reply: %w", err)
		}
		if reply.Type == MessageError {
			return fmt.Errorf("host rejected %s message: %s", msg.Type, reply.Message)
		}
	}
	return nil
}
