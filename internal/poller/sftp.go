package poller

import (
	"context"
	"io"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/vault"
)

// sftpDriver lists and fetches files from one remote directory over SFTP.
type sftpDriver struct {
	conn    *ssh.Client
	client  *sftp.Client
	dir     string
	pattern string
	limit   int64
}

// dialSFTP connects using the node's sftp secret. Password and private-key
// auth are both accepted; host keys are not pinned.
//
// Node config: secretId, remotePath (default "."), filePattern (glob on the
// base name, empty matches everything).
func dialSFTP(ctx context.Context, node model.Node, secrets *vault.Secrets, maxBytes int64) (driver, error) {
	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "sftp-poller node %s has no secretId", node.ID)
	}
	payload, err := secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}

	host, _ := payload["host"].(string)
	if host == "" {
		return nil, fault.New(fault.KindValidation, "sftp secret has no host")
	}
	port := expr.Stringify(payload["port"])
	if port == "" {
		port = "22"
	}
	user, _ := payload["username"].(string)

	var methods []ssh.AuthMethod
	if key, ok := payload["privateKey"].(string); ok && key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fault.New(fault.KindAuth, "sftp private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if pass, ok := payload["password"].(string); ok && pass != "" {
		methods = append(methods, ssh.Password(pass))
	}
	if len(methods) == 0 {
		return nil, fault.New(fault.KindValidation, "sftp secret has neither password nor privateKey")
	}

	conn, err := ssh.Dial("tcp", net.JoinHostPort(host, port), &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fault.Wrap(fault.KindConnection, err)
	}

	dir := node.ConfigString("remotePath")
	if dir == "" {
		dir = "."
	}
	return &sftpDriver{
		conn:    conn,
		client:  client,
		dir:     dir,
		pattern: node.ConfigString("filePattern"),
		limit:   maxBytes,
	}, nil
}

func (d *sftpDriver) List(ctx context.Context) ([]remoteFile, error) {
	entries, err := d.client.ReadDir(d.dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	var files []remoteFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := matchPattern(d.pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		files = append(files, remoteFile{
			Name:       e.Name(),
			Path:       path.Join(d.dir, e.Name()),
			Size:       e.Size(),
			ModifiedAt: e.ModTime(),
		})
	}
	return files, nil
}

func (d *sftpDriver) Fetch(ctx context.Context, rf remoteFile) ([]byte, error) {
	f, err := d.client.Open(rf.Path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, d.limit))
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return data, nil
}

func (d *sftpDriver) Close() error {
	d.client.Close()
	return d.conn.Close()
}

// matchPattern applies a glob to a base name. Empty pattern matches all.
func matchPattern(pattern, name string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	ok, err := path.Match(pattern, name)
	if err != nil {
		return false, fault.New(fault.KindValidation, "bad filePattern %q: %v", pattern, err)
	}
	return ok, nil
}
