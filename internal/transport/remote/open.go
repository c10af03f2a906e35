package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/bamsammich/iblocksync/internal/agent"
	"github.com/bamsammich/iblocksync/internal/transport"
)

// DefaultAgentCommand is the agent binary looked up on a remote PATH.
const DefaultAgentCommand = "iblocksync"

// Options selects how an endpoint's agent is started.
type Options struct {
	SSH transport.SSHOpts

	// AgentPath is the agent binary on the remote host. Empty uses
	// DefaultAgentCommand, or the install location with InstallAgent.
	AgentPath string

	// Sudo runs the agent with elevated privileges for raw device access.
	Sudo bool

	// InstallAgent uploads the running binary to the remote host first.
	InstallAgent bool

	// Verbose passes -v to the agent.
	Verbose bool
}

// Open returns a channel to an agent serving loc. Local locations without
// Sudo run the agent in-process; local with Sudo re-executes this binary
// under sudo; remote locations start the agent over SSH.
func Open(ctx context.Context, loc transport.Location, opts Options) (*Client, error) {
	switch {
	case loc.IsRemote():
		return openSSH(ctx, loc, opts)
	case opts.Sudo:
		return openSudo(ctx, loc, opts)
	default:
		return NewLocal(ctx, loc.String()), nil
	}
}

// NewLocal runs an agent in this process, connected through an in-memory
// pipe.
func NewLocal(ctx context.Context, name string) *Client {
	clientConn, agentConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- agent.Serve(ctx, agentConn) }()

	return NewClient(name, clientConn, func() error {
		agentConn.Close()
		if err := <-done; err != nil && ctx.Err() == nil {
			return fmt.Errorf("local agent: %w", err)
		}
		return nil
	})
}

func agentArgs(bin string, opts Options) []string {
	var argv []string
	if opts.Sudo {
		argv = append(argv, "sudo", "--")
	}
	argv = append(argv, bin, "agent")
	if opts.Verbose {
		argv = append(argv, "-v")
	}
	return argv
}

func openSudo(ctx context.Context, loc transport.Location, opts Options) (*Client, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	argv := agentArgs(self, opts)
	slog.Debug("starting local agent", "command", transport.ShellJoin(argv))

	conn, err := transport.StartCommand(ctx, argv)
	if err != nil {
		return nil, err
	}
	return NewClient("sudo:"+loc.String(), conn, nil), nil
}

func openSSH(ctx context.Context, loc transport.Location, opts Options) (*Client, error) {
	sshClient, err := transport.DialSSH(ctx, loc.Host, loc.User, opts.SSH)
	if err != nil {
		return nil, fmt.Errorf("ssh connect to %s: %w", loc.Host, err)
	}

	bin := opts.AgentPath
	if opts.InstallAgent {
		self, err := os.Executable()
		if err != nil {
			sshClient.Close()
			return nil, fmt.Errorf("locate own executable: %w", err)
		}
		if bin, err = transport.InstallAgent(sshClient, self, opts.AgentPath); err != nil {
			sshClient.Close()
			return nil, fmt.Errorf("install agent on %s: %w", loc.Host, err)
		}
	}
	if bin == "" {
		bin = DefaultAgentCommand
	}

	argv := agentArgs(bin, opts)
	slog.Debug("starting remote agent", "host", loc.Host, "command", transport.ShellJoin(argv))

	conn, err := transport.StartSSHCommand(sshClient, argv)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	return NewClient(loc.String(), conn, sshClient.Close), nil
}
