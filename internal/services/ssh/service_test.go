package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfstools/autobackupd/internal/models"
	"golang.org/x/crypto/ssh"
)

// Mock implementations
type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
	closeFunc          func() error
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey generates a valid ed25519 key in OpenSSH PEM format.
func generateTestKey(t *testing.T) []byte {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

// destShutdownConfig is a destination backup host that should be powered down
// after its sync finishes.
func destShutdownConfig(t *testing.T) models.SSHShutdownConfig {
	t.Helper()

	return models.SSHShutdownConfig{
		Host:          "backupsrv.lan",
		Port:          22,
		Username:      "root",
		PrivateKey:    generateTestKey(t),
		ShutdownDelay: 1,
	}
}

// commandCapturingFactory records the command run over the mocked session.
func commandCapturingFactory(captured *string, output string) *mockClientFactory {
	return &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							*captured = cmd
							return []byte(output), nil
						},
					}, nil
				},
			}, nil
		},
	}
}

func TestShutdown_CommandPerOS(t *testing.T) {
	tests := []struct {
		name    string
		os      string
		delay   int
		wantCmd string
	}{
		{name: "linux with delay", os: "linux", delay: 1, wantCmd: "sudo shutdown -h +1"},
		{name: "linux immediate", os: "linux", delay: 0, wantCmd: "sudo shutdown -h now"},
		{name: "windows with delay", os: "windows", delay: 2, wantCmd: "shutdown /s /t 120"},
		{name: "windows minimum delay", os: "windows", delay: 0, wantCmd: "shutdown /s /t 60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var capturedCommand string
			svc := NewWithClientFactory(testLogger(), commandCapturingFactory(&capturedCommand, "Shutdown scheduled"))

			cfg := destShutdownConfig(t)
			cfg.OS = tt.os
			cfg.ShutdownDelay = tt.delay

			result, err := svc.Shutdown(context.Background(), cfg)

			require.NoError(t, err)
			assert.True(t, result.CommandRun)
			assert.Contains(t, result.Output, "Shutdown scheduled")
			assert.Nil(t, result.Error)
			assert.Equal(t, tt.wantCmd, capturedCommand)
		})
	}
}

func TestShutdown_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), destShutdownConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect")
}

func TestShutdown_SessionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("session creation failed")
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), destShutdownConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to create session")
}

func TestShutdown_ConnectionDropsWhenShutdownLands(t *testing.T) {
	// The far end closing the connection as it powers off is not an error.
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							return nil, errors.New("remote host closed connection")
						},
					}, nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), destShutdownConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
}

func TestShutdown_NoPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHShutdownConfig{
		Host:     "backupsrv.lan",
		Port:     22,
		Username: "root",
		// No key provided
	}

	result, err := svc.Shutdown(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "no private key")
}

func TestShutdown_InvalidPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHShutdownConfig{
		Host:       "backupsrv.lan",
		Port:       22,
		Username:   "root",
		PrivateKey: []byte("invalid key"),
	}

	result, err := svc.Shutdown(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to parse private key")
}

func TestShutdown_ContextCancelledDuringDial(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			// Simulate slow connection
			time.Sleep(100 * time.Millisecond)
			return &mockSSHClient{}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := svc.Shutdown(ctx, destShutdownConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.Equal(t, context.DeadlineExceeded, result.Error)
}

func TestTestConnection_Success(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							if cmd == "echo OK" {
								return []byte("OK\n"), nil
							}
							return nil, errors.New("unexpected command")
						},
					}, nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.TestConnection(context.Background(), destShutdownConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Contains(t, result.Output, "OK")
	assert.Nil(t, result.Error)
}

func TestTestConnection_Failed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.TestConnection(context.Background(), destShutdownConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect")
}

func TestBuildConfig_WithKeyPath(t *testing.T) {
	keyPath := t.TempDir() + "/dest_key"
	require.NoError(t, os.WriteFile(keyPath, generateTestKey(t), 0o600))

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})

	cfg := models.SSHShutdownConfig{
		Host:     "backupsrv.lan",
		Port:     22,
		Username: "root",
		KeyPath:  keyPath,
	}

	sshConfig, err := svc.buildConfig(cfg)

	require.NoError(t, err)
	require.NotNil(t, sshConfig)
	assert.Equal(t, "root", sshConfig.User)
}

func TestBuildConfig_KeyPathNotFound(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})

	cfg := models.SSHShutdownConfig{
		Host:     "backupsrv.lan",
		Port:     22,
		Username: "root",
		KeyPath:  "/nonexistent/path/id_ed25519",
	}

	_, err := svc.buildConfig(cfg)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read private key")
}
