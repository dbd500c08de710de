package poller

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/vault"
)

// blobDriver lists and fetches blobs from one Azure container.
type blobDriver struct {
	client    *azblob.Client
	container string
	prefix    string
	pattern   string
	limit     int64
}

// dialBlob builds a client from the node's azure_blob secret. A
// connectionString wins over accountName+accountKey.
//
// Node config: secretId, container, prefix (optional), filePattern (glob on
// the blob's base name).
func dialBlob(ctx context.Context, node model.Node, secrets *vault.Secrets, maxBytes int64) (driver, error) {
	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "blob-poller node %s has no secretId", node.ID)
	}
	container := node.ConfigString("container")
	if container == "" {
		return nil, fault.New(fault.KindValidation, "blob-poller node %s has no container", node.ID)
	}

	payload, err := secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}

	var client *azblob.Client
	if cs, ok := payload["connectionString"].(string); ok && cs != "" {
		client, err = azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindAuth, err)
		}
	} else {
		account, _ := payload["accountName"].(string)
		key, _ := payload["accountKey"].(string)
		if account == "" || key == "" {
			return nil, fault.New(fault.KindValidation, "azure_blob secret needs connectionString or accountName+accountKey")
		}
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, fault.Wrap(fault.KindAuth, err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(
			fmt.Sprintf("https://%s.blob.core.windows.net/", account), cred, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindAuth, err)
		}
	}

	return &blobDriver{
		client:    client,
		container: container,
		prefix:    node.ConfigString("prefix"),
		pattern:   node.ConfigString("filePattern"),
		limit:     maxBytes,
	}, nil
}

func (d *blobDriver) List(ctx context.Context) ([]remoteFile, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if d.prefix != "" {
		opts.Prefix = &d.prefix
	}
	pager := d.client.NewListBlobsFlatPager(d.container, opts)

	var files []remoteFile
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnection, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			full := *item.Name
			ok, err := matchPattern(d.pattern, path.Base(full))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			rf := remoteFile{Name: path.Base(full), Path: full}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					rf.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					rf.ModifiedAt = *item.Properties.LastModified
				}
			}
			if rf.ModifiedAt.IsZero() {
				rf.ModifiedAt = time.Now().UTC()
			}
			files = append(files, rf)
		}
	}
	return files, nil
}

func (d *blobDriver) Fetch(ctx context.Context, rf remoteFile) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, d.container, rf.Path, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.limit))
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return data, nil
}

func (d *blobDriver) Close() error { return nil }
