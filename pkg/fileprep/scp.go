package fileprep

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func sshClient(user, host string) (*ssh.Client, error) {
	signer, err := sshAgentOrKeySigner()
	if err != nil {
		return nil, err
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if path := os.Getenv("CC_KNOWN_HOSTS"); path != "" {
		if cb, err := knownhosts.New(path); err == nil {
			hostKeyCallback = cb
		}
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}
	addr := host
	if filepath.Ext(host) == "" && !hasPort(host) {
		addr = host + ":22"
	}
	return ssh.Dial("tcp", addr, cfg)
}

func hasPort(host string) bool {
	for _, c := range host {
		if c == ':' {
			return true
		}
	}
	return false
}

func sshAgentOrKeySigner() (ssh.Signer, error) {
	keyPath := os.Getenv("CC_SSH_KEY")
	if keyPath == "" {
		keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", keyPath, err)
	}
	return ssh.ParsePrivateKey(data)
}

// downloadSCP fetches remote over scp-in-a-single-session: it runs
// `cat <path>` on the remote host and streams stdout to localPath.
// This avoids implementing the full scp source protocol for the
// common case of reading a single known file.
func (p *Preparer) downloadSCP(ctx context.Context, u *url.URL, localPath string) error {
	user := u.User.Username()
	if user == "" {
		user = "root"
	}
	client, err := sshClient(user, u.Host)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", u.Host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	out, err := p.fs.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()
	session.Stdout = out

	return session.Run("cat " + shellQuote(u.Path))
}

// WriteSCP is the C3 output verb: push local to host:path using the
// scp "sink" wire protocol (`scp -t <path>` on the remote end).
func (p *Preparer) WriteSCP(local, host, path string) error {
	user := "root"
	if at := indexByte(host, '@'); at >= 0 {
		user, host = host[:at], host[at+1:]
	}
	client, err := sshClient(user, host)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := session.StdinPipe()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run("scp -qt " + shellQuote(filepath.Dir(path)))
	}()

	bw := bufio.NewWriter(writer)
	fmt.Fprintf(bw, "C0644 %d %s\n", info.Size(), filepath.Base(path))
	bw.Flush()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			bw.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	bw.Write([]byte{0})
	bw.Flush()
	writer.Close()

	return <-errCh
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
