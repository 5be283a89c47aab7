//go:build mage
// +build mage

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/magefile/mage/mg" // mg contains helpful utility functions, like Deps
	"github.com/magefile/mage/sh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

var Default = Build

type Pi mg.Namespace

var (
	buildDir   = "bin"
	piBuildDir = "bin/pi"
	binName    = "proctop"
	cliName    = "proctop-cli"
	templVer   = "v0.3.960"
)

// binaries maps each output name to its main package.
var binaries = map[string]string{
	binName: "./cmd/server.go",
	cliName: "./cmd/cli",
}

// Builds the server and the CLI for this machine
func Build() error {
	for name, pkg := range binaries {
		fmt.Println("building", name)
		if err := sh.RunV("go", "build", "-o", filepath.Join(buildDir, name), pkg); err != nil {
			return err
		}
	}
	return nil
}

// Regenerates the templ components
func Generate() error {
	return sh.RunV("go", "run", "github.com/a-h/templ/cmd/templ@"+templVer, "generate", "./internal/web")
}

// Runs the test suite with the race detector, then the magefile's own tests
func Test() error {
	if err := sh.RunV("go", "test", "-race", "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "test", "-tags", "mage", ".")
}

// Runs the server locally with debug logging
func Run() error {
	mg.Deps(Build)
	return sh.RunWithV(map[string]string{"PROCTOP_LOG_LEVEL": "debug"}, filepath.Join(buildDir, binName))
}

// Deploys to the Raspberry Pi and runs the server there over SSH. Blocks
// until the server exits; Ctrl-C stops it, a second Ctrl-C kills it.
func (Pi) Start(host string, username string) error {
	mg.Deps(mg.F(Pi.Deploy, host, username))
	fmt.Println("starting", binName, "on", host)
	return remote(host, username, "PROCTOP_LOG_LEVEL=info "+remotePath(username, binName))
}

// Deploys to the Raspberry Pi and prints a snapshot of its busiest processes.
func (Pi) Snapshot(host string, username string) error {
	mg.Deps(mg.F(Pi.Deploy, host, username))
	return remote(host, username, remotePath(username, cliName)+" snapshot --limit 15")
}

// Cross-builds and copies the server and CLI to the Raspberry Pi with scp.
// Assumes SSH keys are set up for the host.
func (Pi) Deploy(host string, username string) error {
	mg.Deps(Pi.Build)
	connStr := username + "@" + host
	dir := remoteDir(username)
	if err := sh.Run("ssh", connStr, "mkdir -p", dir); err != nil {
		return fmt.Errorf("creating %s on %s: %w", dir, host, err)
	}
	for name := range binaries {
		fmt.Printf("copying %s to %s:%s\n", name, connStr, dir)
		if err := sh.Run("scp", filepath.Join(piBuildDir, name), connStr+":"+remotePath(username, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return nil
}

// Builds the server and CLI for the Raspberry Pi (linux/arm64)
func (Pi) Build() error {
	env := map[string]string{
		"GOOS":   "linux",
		"GOARCH": "arm64",
	}
	for name, pkg := range binaries {
		fmt.Println("building", name, "for linux/arm64")
		if err := sh.RunWithV(env, "go", "build", "-o", filepath.Join(piBuildDir, name), pkg); err != nil {
			return err
		}
	}
	return nil
}

// Removes the Raspberry Pi binaries
func (Pi) Clean() error {
	return os.RemoveAll(piBuildDir)
}

func remoteDir(username string) string {
	return "/home/" + username + "/proctop"
}

func remotePath(username, name string) string {
	return remoteDir(username) + "/" + name
}

// remote runs cmd on host, streaming its output. SIGINT and SIGTERM are
// forwarded as SIGTERM; a second signal kills the remote process.
func remote(host, username, cmd string) error {
	client, err := dial(host, username)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("starting %q: %w", cmd, err)
	}
	go func() {
		<-sigs
		session.Signal(ssh.SIGTERM)
		<-sigs
		fmt.Println("killing", cmd)
		session.Signal(ssh.SIGKILL)
		session.Close()
	}()

	err = session.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitStatus() {
		case 130, 143:
			return nil
		case 137:
			return errors.New("remote process was killed")
		}
		return fmt.Errorf("%q exited with status %d", cmd, exitErr.ExitStatus())
	}
	return err
}

func dial(host, username string) (*ssh.Client, error) {
	auth, err := agentAuth()
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

// agentAuth authenticates with the keys held by the running ssh-agent. RSA
// keys are offered with SHA-2 signatures first, since recent sshd builds
// reject ssh-rsa (SHA-1).
func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set; start ssh-agent and add a key")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh-agent: %w", err)
	}
	keyring := agent.NewClient(conn)
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		signers, err := keyring.Signers()
		if err != nil {
			return nil, err
		}
		for i, signer := range signers {
			alg, ok := signer.(ssh.AlgorithmSigner)
			if !ok || signer.PublicKey().Type() != ssh.KeyAlgoRSA {
				continue
			}
			if sha2, err := ssh.NewSignerWithAlgorithms(alg, []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256}); err == nil {
				signers[i] = sha2
			}
		}
		return signers, nil
	}), nil
}

// hostKeyCallback checks ~/.ssh/known_hosts. Without one, any host key is
// accepted.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("no known_hosts file, skipping host key verification")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return cb, err
}
