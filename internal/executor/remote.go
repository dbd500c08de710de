package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// execSFTPConnector uploads the payload to, or downloads a file from, an
// SFTP host named by a secret.
//
// Config: secretId (sftp secret), operation upload|download (default
// upload), remotePath (directory for uploads, full path for downloads),
// fileName (upload name override).
func execSFTPConnector(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedSFTPConnector(node), nil
	}

	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "sftp-connector node %s has no secretId", node.ID)
	}
	payload, err := env.Deps.Secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}

	client, cleanup, err := sftpSession(payload)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if strings.EqualFold(node.ConfigString("operation"), "download") {
		remote := node.ConfigString("remotePath")
		if remote == "" {
			return nil, fault.New(fault.KindValidation, "sftp-connector node %s download needs remotePath", node.ID)
		}
		f, err := client.Open(remote)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxResponseBytes))
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		return model.Payload{"filename": path.Base(remote), "content": string(data), "size": len(data)}, nil
	}

	name, data, err := uploadContent(node, input)
	if err != nil {
		return nil, err
	}
	dir := node.ConfigString("remotePath")
	if dir == "" {
		dir = "."
	}
	if err := client.MkdirAll(dir); err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	full := path.Join(dir, name)
	f, err := client.Create(full)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}

	return model.Payload{"uploaded": true, "remotePath": full, "bytes": len(data)}, nil
}

// sftpSession dials the host in an sftp secret payload. Password and
// private-key auth are both accepted; host keys are not pinned.
func sftpSession(payload map[string]interface{}) (*sftp.Client, func(), error) {
	host, _ := payload["host"].(string)
	if host == "" {
		return nil, nil, fault.New(fault.KindValidation, "sftp secret has no host")
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
			return nil, nil, fault.New(fault.KindAuth, "sftp private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if pass, ok := payload["password"].(string); ok && pass != "" {
		methods = append(methods, ssh.Password(pass))
	}
	if len(methods) == 0 {
		return nil, nil, fault.New(fault.KindValidation, "sftp secret has neither password nor privateKey")
	}

	conn, err := ssh.Dial("tcp", net.JoinHostPort(host, port), &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	})
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindConnection, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fault.Wrap(fault.KindConnection, err)
	}
	return client, func() { client.Close(); conn.Close() }, nil
}

// execBlobConnector uploads the payload to, or downloads a blob from, an
// Azure Blob container named by a secret.
//
// Config: secretId (azure_blob secret), operation upload|download (default
// upload), container (required), blobName.
func execBlobConnector(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedBlobConnector(node), nil
	}

	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "blob-connector node %s has no secretId", node.ID)
	}
	container := node.ConfigString("container")
	if container == "" {
		return nil, fault.New(fault.KindValidation, "blob-connector node %s has no container", node.ID)
	}

	payload, err := env.Deps.Secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}
	client, err := blobClient(payload)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(node.ConfigString("operation"), "download") {
		name := node.ConfigString("blobName")
		if name == "" {
			return nil, fault.New(fault.KindValidation, "blob-connector node %s download needs blobName", node.ID)
		}
		resp, err := client.DownloadStream(ctx, container, name, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		return model.Payload{"filename": name, "content": string(data), "size": len(data)}, nil
	}

	name, data, err := uploadContent(node, input)
	if err != nil {
		return nil, err
	}
	if override := node.ConfigString("blobName"); override != "" {
		name = override
	}

	if _, err := client.UploadBuffer(ctx, container, name, data, nil); err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return model.Payload{"uploaded": true, "container": container, "blobName": name, "bytes": len(data)}, nil
}

// blobClient builds an azblob client from an azure_blob secret payload. A
// connectionString wins over accountName+accountKey.
func blobClient(payload map[string]interface{}) (*azblob.Client, error) {
	if cs, ok := payload["connectionString"].(string); ok && cs != "" {
		client, err := azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindAuth, err)
		}
		return client, nil
	}

	account, _ := payload["accountName"].(string)
	key, _ := payload["accountKey"].(string)
	if account == "" || key == "" {
		return nil, fault.New(fault.KindValidation, "azure_blob secret needs connectionString or accountName+accountKey")
	}
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net/", account), cred, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, err)
	}
	return client, nil
}

// uploadContent picks the bytes and name an upload connector writes: a
// string content field passes through raw, anything else serializes the
// whole payload as JSON.
func uploadContent(node model.Node, input model.Payload) (string, []byte, error) {
	name := node.ConfigString("fileName")
	if name == "" {
		if fn, ok := input["filename"].(string); ok && fn != "" {
			name = fn
		} else {
			name = "payload.json"
		}
	}

	if content, ok := input["content"].(string); ok && content != "" {
		return name, []byte(content), nil
	}
	raw, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", nil, fault.Wrap(fault.KindTransformation, err)
	}
	return name, raw, nil
}
