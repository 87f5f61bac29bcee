// Package sshtunnel establishes an SSH tunnel and rewrites a
// ConnectionConfig to point at the tunnel's local listener before a
// driver ever attempts to connect, the "rewrite-then-connect" composition
// called for by the session manager design.
package sshtunnel

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/value"
)

// Tunnel forwards a local port to a remote host:port over an SSH
// connection. Close releases both the listener and the SSH client.
type Tunnel struct {
	client    *ssh.Client
	listener  net.Listener
	localAddr string
}

// LocalAddr is the address drivers should connect to instead of the
// original remote host:port.
func (t *Tunnel) LocalAddr() string { return t.localAddr }

func (t *Tunnel) Close() error {
	var errs []error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Open dials cfg's SSH host, authenticates with password or private key,
// and starts forwarding an ephemeral local port to remoteHost:remotePort.
func Open(cfg *driver.SSHTunnelConfig, remoteHost string, remotePort int) (*Tunnel, error) {
	if cfg == nil {
		return nil, value.NewError(value.ErrValidation, "no ssh tunnel configuration supplied")
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, value.WrapError(value.ErrConnection, "ssh dial failed", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, value.WrapError(value.ErrConnection, "open local tunnel listener", err)
	}

	t := &Tunnel{client: client, listener: listener, localAddr: listener.Addr().String()}

	remoteAddr := fmt.Sprintf("%s:%d", remoteHost, remotePort)
	go t.forwardLoop(remoteAddr)

	return t, nil
}

func (t *Tunnel) forwardLoop(remoteAddr string) {
	for {
		localConn, err := t.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go t.forwardConn(localConn, remoteAddr)
	}
}

func (t *Tunnel) forwardConn(localConn net.Conn, remoteAddr string) {
	defer localConn.Close()
	remoteConn, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remoteConn.Close()

	done := make(chan struct{}, 2)
	go func() { copyAndSignal(remoteConn, localConn, done) }()
	go func() { copyAndSignal(localConn, remoteConn, done) }()
	<-done
}

func copyAndSignal(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}

func authMethods(cfg *driver.SSHTunnelConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, value.WrapError(value.ErrAuth, "parse ssh private key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, value.NewError(value.ErrAuth, "ssh tunnel requires a password or private key")
	}
	return methods, nil
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, value.WrapError(value.ErrValidation, "known_hosts file not found", err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, value.WrapError(value.ErrValidation, "parse known_hosts", err)
	}
	return cb, nil
}
