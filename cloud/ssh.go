package cloud

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

// Channel is the remote command-execution channel to one instance:
// code/data transfer plus command invocation. The submission bundle
// format is an implementation detail of the channel; callers treat it
// as an opaque blob.
type Channel interface {
	// UploadDir transfers a local directory tree to a remote path.
	UploadDir(ctx context.Context, localDir, remoteDir string) error
	// StartCommand launches the command detached in remoteDir,
	// capturing stdout/stderr and the exit code to files there.
	StartCommand(ctx context.Context, remoteDir string, args []string) error
	// PollCommand reports whether the command is still running, and
	// its exit code once finished.
	PollCommand(ctx context.Context, remoteDir string) (running bool, exitCode int, err error)
	// ReadFile returns the content of a remote file.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Dialer opens a Channel to the given address. Injected so tests can
// substitute a fake channel.
type Dialer func(addr string) (Channel, error)

// SSHDialer returns a Dialer using SSH with the given user and
// private key.
func SSHDialer(user, keyPath string, port int) Dialer {
	return func(addr string) (Channel, error) {
		key, err := ioutil.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key %s: %v", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %v", keyPath, err)
		}

		client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", addr, port), &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Worker instances are ephemeral; their host keys are
			// generated at boot and can't be known in advance.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		})
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %v", addr, err)
		}
		return &sshChannel{client: client}, nil
	}
}

type sshChannel struct {
	client *ssh.Client
}

func (c *sshChannel) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	sess.Stdin = stdin

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	out, err := sess.Output(cmd)
	close(done)
	return out, err
}

// UploadDir streams the directory as a gzipped tar into an extraction
// command on the remote side.
func (c *sshChannel) UploadDir(ctx context.Context, localDir, remoteDir string) error {
	var buf bytes.Buffer
	if err := tarDir(localDir, &buf); err != nil {
		return fmt.Errorf("bundling %s: %v", localDir, err)
	}

	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s",
		shellquote.Join(remoteDir), shellquote.Join(remoteDir))
	if _, err := c.run(ctx, cmd, &buf); err != nil {
		return fmt.Errorf("extracting bundle on remote: %v", err)
	}
	return nil
}

// StartCommand launches the command under nohup with a pidfile, so the
// run survives the session and can be polled later.
func (c *sshChannel) StartCommand(ctx context.Context, remoteDir string, args []string) error {
	inner := fmt.Sprintf("%s > stdout.log 2> stderr.log; echo $? > exit_code",
		shellquote.Join(args...))
	cmd := fmt.Sprintf("cd %s && nohup sh -c %s > /dev/null 2>&1 & echo $! > %s/run.pid",
		shellquote.Join(remoteDir), shellquote.Join(inner), shellquote.Join(remoteDir))
	_, err := c.run(ctx, cmd, nil)
	return err
}

// PollCommand is a lightweight remote status check: the exit code file
// exists once the command finished, otherwise the pidfile is probed.
func (c *sshChannel) PollCommand(ctx context.Context, remoteDir string) (bool, int, error) {
	cmd := fmt.Sprintf(
		"cd %s && if [ -f exit_code ]; then echo done $(cat exit_code); "+
			"elif kill -0 $(cat run.pid) 2>/dev/null; then echo running; "+
			"else echo gone; fi",
		shellquote.Join(remoteDir))
	out, err := c.run(ctx, cmd, nil)
	if err != nil {
		return false, 0, err
	}

	fields := strings.Fields(string(out))
	switch {
	case len(fields) == 2 && fields[0] == "done":
		code, cerr := strconv.Atoi(fields[1])
		if cerr != nil {
			return false, 0, fmt.Errorf("unparseable exit code %q", fields[1])
		}
		return false, code, nil
	case len(fields) == 1 && fields[0] == "running":
		return true, 0, nil
	case len(fields) == 1 && fields[0] == "gone":
		// Process disappeared without writing an exit code.
		return false, -1, nil
	}
	return false, 0, fmt.Errorf("unexpected poll output %q", string(out))
}

func (c *sshChannel) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return c.run(ctx, fmt.Sprintf("cat %s", shellquote.Join(path)), nil)
}

func (c *sshChannel) Close() error {
	return c.client.Close()
}

// tarDir writes the directory tree as a gzipped tar stream.
func tarDir(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(p string, fi os.FileInfo, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(dir, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		hdr, herr := tar.FileInfoHeader(fi, "")
		if herr != nil {
			return herr
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, oerr := os.Open(p)
		if oerr != nil {
			return oerr
		}
		defer f.Close()
		_, cerr := io.Copy(tw, f)
		return cerr
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
